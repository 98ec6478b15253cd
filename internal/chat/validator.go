package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxContentBytes = 4096 // max wire size for one message body
	MaxContentChars = 2000 // max character count
)

// ValidateContent checks that a message body is sendable: non-blank,
// within size limits, and valid UTF-8.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("message content is empty")
	}
	if len(content) > MaxContentBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxContentBytes)
	}
	if utf8.RuneCountInString(content) > MaxContentChars {
		return fmt.Errorf("message exceeds %d character limit", MaxContentChars)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}
