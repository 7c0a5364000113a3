package report

import "golang.org/x/text/language"

// Supported report languages; the first is the fallback.
var supported = []language.Tag{
	language.English,
	language.German,
	language.Spanish,
	language.French,
}

var matcher = language.NewMatcher(supported)

// NormalizeLang maps a language tag or Accept-Language value to one of the
// supported base languages ("en", "de", "es", "fr"). Unknown or malformed
// input yields "en".
func NormalizeLang(raw string) string {
	if raw == "" {
		return supported[0].String()
	}
	_, idx := language.MatchStrings(matcher, raw)
	return supported[idx].String()
}
