package utils

import (
	"testing"
)

func TestNormalizePhoneNumber(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    string
		shouldError bool
	}{
		{
			name:     "formatted national number",
			input:    "090-930-0861",
			expected: "0909300861",
		},
		{
			name:     "international with plus",
			input:    "+44 7700 900123",
			expected: "+447700900123",
		},
		{
			name:     "international with 00 prefix",
			input:    "0044 7700 900123",
			expected: "+447700900123",
		},
		{
			name:     "with parentheses and dots",
			input:    "(415) 555.0134",
			expected: "4155550134",
		},
		{
			name:        "too short",
			input:       "090930",
			shouldError: true,
		},
		{
			name:        "too long",
			input:       "+1234567890123456",
			shouldError: true,
		},
		{
			name:        "letters",
			input:       "call me maybe",
			shouldError: true,
		},
		{
			name:        "plus in the middle",
			input:       "12+3456789",
			shouldError: true,
		},
		{
			name:        "empty",
			input:       "   ",
			shouldError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := NormalizePhoneNumber(tt.input)

			if tt.shouldError {
				if err == nil {
					t.Errorf("expected error for input %q, got nil", tt.input)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error for input %q: %v", tt.input, err)
				return
			}
			if result != tt.expected {
				t.Errorf("NormalizePhoneNumber(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestFormatPhoneNumberForDisplay(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"+447700900123", "*********0123"},
		{"0123", "0123"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := FormatPhoneNumberForDisplay(tt.input); got != tt.expected {
			t.Errorf("FormatPhoneNumberForDisplay(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}
