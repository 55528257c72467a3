package utils

import (
	"errors"
	"regexp"
	"strings"
)

var (
	// E.164 allows at most 15 digits; shorter than 7 is never a reachable number
	phoneRegex = regexp.MustCompile(`^\+?[0-9]{7,15}$`)
	// Regex to remove formatting characters
	separatorRegex = regexp.MustCompile(`[\s\-().]`)
)

// ErrInvalidPhone is returned for numbers that cannot be normalized
var ErrInvalidPhone = errors.New("invalid phone number")

// NormalizePhoneNumber removes formatting (spaces, hyphens, dots, parentheses)
// and validates the digit count. A leading "+" or "00" international prefix is
// kept as "+".
func NormalizePhoneNumber(phone string) (string, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return "", errors.New("phone number cannot be empty")
	}

	normalized := separatorRegex.ReplaceAllString(phone, "")
	if strings.HasPrefix(normalized, "00") {
		normalized = "+" + normalized[2:]
	}

	if !phoneRegex.MatchString(normalized) {
		return "", ErrInvalidPhone
	}
	return normalized, nil
}

// FormatPhoneNumberForDisplay masks all but the last four digits, for logs
// Example: "+447700900123" -> "*********0123"
func FormatPhoneNumberForDisplay(phone string) string {
	if len(phone) <= 4 {
		return phone
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}
