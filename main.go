// The main package for the site-auditor executable.
package main

import (
	"github.com/JakeFAU/site-auditor/cmd"
)

func main() {
	cmd.Execute()
}
