package provider

import "strings"

// retryableSubstrings are matched case-insensitively against an error's
// message. Any match classifies the error as transient.
var retryableSubstrings = []string{
	"connection",
	"timeout",
	"dns",
	"network",
	"http 429",
	"http 500",
	"http 502",
	"http 503",
	"http 504",
}

// IsRetryableMessage classifies an error message as transient or permanent.
// It is the single source of truth the retry engine and every adapter's
// constructed errors agree on.
func IsRetryableMessage(message string) bool {
	lower := strings.ToLower(message)
	for _, s := range retryableSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// IsRetryable classifies an arbitrary error by its message, so both
// *Error values and plain errors from net/http participate in the same
// retry decision.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if pe, ok := err.(*Error); ok {
		return pe.Retryable
	}
	return IsRetryableMessage(err.Error())
}
