package validation

import (
	"strings"
	"testing"
)

func TestIsValidReferenceID(t *testing.T) {
	tests := []struct {
		name  string
		id    string
		valid bool
	}{
		{
			name:  "steps reference",
			id:    "steps:band-01:2026-10-15",
			valid: true,
		},
		{
			name:  "comment reference",
			id:    "comment/8812",
			valid: true,
		},
		{
			name:  "contains space",
			id:    "sync 1",
			valid: false,
		},
		{
			name:  "non ascii",
			id:    "синк-1",
			valid: false,
		},
		{
			name:  "too long",
			id:    strings.Repeat("a", 129),
			valid: false,
		},
		{
			name:  "empty string",
			id:    "",
			valid: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsValidReferenceID(tt.id)
			if got != tt.valid {
				t.Fatalf("IsValidReferenceID(%q) = %v, want %v", tt.id, got, tt.valid)
			}
		})
	}
}

func TestIsValidDeviceID(t *testing.T) {
	tests := []struct {
		name  string
		id    string
		valid bool
	}{
		{
			name:  "plain",
			id:    "band_01.v2",
			valid: true,
		},
		{
			name:  "colon",
			id:    "band:01",
			valid: false,
		},
		{
			name:  "slash",
			id:    "band/01",
			valid: false,
		},
		{
			name:  "empty string",
			id:    "",
			valid: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsValidDeviceID(tt.id)
			if got != tt.valid {
				t.Fatalf("IsValidDeviceID(%q) = %v, want %v", tt.id, got, tt.valid)
			}
		})
	}
}
