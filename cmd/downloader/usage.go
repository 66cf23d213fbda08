package main

import (
	"errors"
	"strings"
)

// errUsage marks a RunE failure as invalid CLI usage (spec §6 exit code
// 2) rather than a configuration or runtime failure (exit code 1).
// Cobra itself returns plain errors for both flag-parsing and RunE
// failures, so RunE functions distinguish the two by wrapping with this
// sentinel wherever a missing/invalid argument is detected explicitly.
var errUsage = errors.New("invalid usage")

// pflagUsagePatterns matches cobra/pflag's own flag-parsing error text,
// which never wraps errUsage since it never reaches a RunE function.
// Classified by substring match on error.Error(), the same
// message-based convention internal/retry uses for retryability.
var pflagUsagePatterns = []string{
	"unknown flag",
	"unknown shorthand flag",
	"unknown command",
	"flag needs an argument",
	"invalid argument",
}

func isUsageError(err error) bool {
	if errors.Is(err, errUsage) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range pflagUsagePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
