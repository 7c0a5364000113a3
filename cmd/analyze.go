package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

type analyzeOptions struct {
	tenant  string
	lang    string
	timeout time.Duration
	poll    time.Duration
}

func newAnalyzeCmd() *cobra.Command {
	opts := analyzeOptions{}
	cmd := &cobra.Command{
		Use:   "analyze <url>",
		Short: "Audits one URL in-process and prints the report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(cmd, args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.tenant, "tenant", "", "tenant that owns the analysis")
	cmd.Flags().StringVar(&opts.lang, "lang", "en", "report language (en, de, es, fr)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Minute, "give up after this long")
	cmd.Flags().DurationVar(&opts.poll, "poll", 500*time.Millisecond, "status poll interval")
	return cmd
}

func runAnalyze(cmd *cobra.Command, targetURL string, opts analyzeOptions) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()
	appInstance.Start(ctx)

	id, err := appInstance.Submit(ctx, targetURL, opts.tenant)
	if err != nil {
		return fmt.Errorf("submit analysis: %w", err)
	}
	status, err := appInstance.Await(ctx, id, opts.poll)
	if err != nil {
		return fmt.Errorf("analysis %s did not finish: %w", id, err)
	}

	report, err := appInstance.Report(ctx, id, opts.lang)
	if err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), report)
	fmt.Fprintf(cmd.ErrOrStderr(), "analysis %s finished: %s\n", id, status.Analysis.Status)
	return nil
}
