// Package symbol normalizes security identifiers into the canonical
// NNNNNN.XX form used throughout the pipeline (spec §6).
package symbol

import (
	"fmt"
	"regexp"
	"strings"
)

// pattern accepts an optional 2-letter exchange prefix (with or without a
// trailing dot), a 6-digit security code, and an optional 2-letter
// exchange suffix (with or without a leading dot).
var pattern = regexp.MustCompile(`^(?:([A-Za-z]{2})\.?)?(\d{6})(?:\.?([A-Za-z]{2}))?$`)

// exchanges is the closed set of recognized exchange suffixes.
var exchanges = map[string]bool{"SH": true, "SZ": true, "BJ": true}

// Normalize canonicalizes raw into NNNNNN.XX. It fails for any token that
// is not a single space-less 6-digit security code with a recognized
// leading digit, optionally decorated with a matching exchange tag.
//
// Normalize is idempotent: Normalize(Normalize(x)) == Normalize(x) for any
// x that normalizes successfully.
func Normalize(raw string) (string, error) {
	if strings.ContainsAny(raw, " \t\n") {
		return "", fmt.Errorf("symbol normalize: %q contains whitespace", raw)
	}
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("symbol normalize: empty symbol")
	}

	m := pattern.FindStringSubmatch(trimmed)
	if m == nil {
		return "", fmt.Errorf("symbol normalize: %q is not a recognizable security code", raw)
	}
	prefix, code, suffix := strings.ToUpper(m[1]), m[2], strings.ToUpper(m[3])

	inferred, err := exchangeFromLeadingDigit(code[0])
	if err != nil {
		return "", fmt.Errorf("symbol normalize: %q: %w", raw, err)
	}

	for _, explicit := range []string{prefix, suffix} {
		if explicit == "" {
			continue
		}
		if !exchanges[explicit] {
			return "", fmt.Errorf("symbol normalize: %q: unrecognized exchange tag %q", raw, explicit)
		}
		if explicit != inferred {
			return "", fmt.Errorf("symbol normalize: %q: exchange tag %q does not match code %s's exchange %s", raw, explicit, code, inferred)
		}
	}

	return code + "." + inferred, nil
}

func exchangeFromLeadingDigit(d byte) (string, error) {
	switch d {
	case '6':
		return "SH", nil
	case '0', '3':
		return "SZ", nil
	case '4', '8', '9':
		return "BJ", nil
	default:
		return "", fmt.Errorf("leading digit %q has no recognized exchange", d)
	}
}
