package api

import (
	"path"
	"strings"
	"unicode/utf8"
)

// maxNameLen is the maximum length for name fields (rule names, pool names).
const maxNameLen = 200

// maxPathLen is the maximum length for a pool path or bucket name.
const maxPathLen = 1000

// maxConditionsLen is the maximum size of a rule's conditions JSON (64 KB).
const maxConditionsLen = 64 * 1024

// validateStringLen checks that a string does not exceed maxLen runes.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateRequiredStringLen checks that a non-empty string does not exceed maxLen runes.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if value == "" {
		return field + " is required"
	}
	return validateStringLen(field, value, maxLen)
}

// validateIntRange checks that an optional int pointer is within [min, max].
func validateIntRange(field string, value *int, min, max int) string {
	if value == nil {
		return ""
	}
	if *value < min || *value > max {
		return field + " must be between " + intToStr(min) + " and " + intToStr(max)
	}
	return ""
}

// intToStr converts an int to a string without importing strconv in a tight loop.
func intToStr(n int) string {
	if n == 0 {
		return "0"
	}
	if n < 0 {
		return "-" + intToStr(-n)
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

// validatePoolPath checks that a pool path stays inside the storage root:
// relative, slash-separated and free of parent references.
func validatePoolPath(field, value string) string {
	if msg := validateRequiredStringLen(field, value, maxPathLen); msg != "" {
		return msg
	}
	if containsControlChars(value) || strings.Contains(value, `\`) {
		return field + " contains invalid characters"
	}
	if strings.HasPrefix(value, "/") {
		return field + " must be relative"
	}
	if clean := path.Clean(value); clean == ".." || strings.HasPrefix(clean, "../") {
		return field + " must not leave the storage root"
	}
	return ""
}

// containsControlChars checks whether a string has control characters
// (except common whitespace like \n, \r, \t).
func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 32 && r != '\n' && r != '\r' && r != '\t' {
			return true
		}
	}
	return false
}

// validateNoControlChars rejects strings with control characters.
func validateNoControlChars(field, value string) string {
	if containsControlChars(value) {
		return field + " contains invalid characters"
	}
	return ""
}
