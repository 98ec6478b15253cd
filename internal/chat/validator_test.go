package chat

import (
	"strings"
	"testing"
)

func TestValidateContent_Valid(t *testing.T) {
	if err := ValidateContent("hello there"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateContent_Empty(t *testing.T) {
	if err := ValidateContent(""); err == nil {
		t.Error("expected error for empty content")
	}
	if err := ValidateContent("   "); err == nil {
		t.Error("expected error for whitespace-only content")
	}
}

func TestValidateContent_TooLong(t *testing.T) {
	if err := ValidateContent(strings.Repeat("a", MaxContentBytes+1)); err == nil {
		t.Error("expected error for oversized content")
	}
	// Multi-byte runes: under the byte limit but over the char limit.
	if err := ValidateContent(strings.Repeat("é", MaxContentChars+1)); err == nil {
		t.Error("expected error for content over character limit")
	}
}

func TestValidateContent_InvalidUTF8(t *testing.T) {
	if err := ValidateContent("hi\xff\xfe"); err == nil {
		t.Error("expected error for invalid UTF-8")
	}
}
