package rooms

import (
	"io"
	"strings"
)

const (
	// CodeLength is the number of characters in a share code.
	CodeLength = 6
	// CodeAlphabet lists the characters a share code is drawn from.
	CodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	// bytes at or above this value are rejected so every character is equally likely
	maxUnbiasedByte = 256 - 256%len(CodeAlphabet)
)

// generateCode draws CodeLength characters uniformly from CodeAlphabet.
func generateCode(random io.Reader) (string, error) {
	var sb strings.Builder
	sb.Grow(CodeLength)
	buf := make([]byte, CodeLength*2)
	for sb.Len() < CodeLength {
		if _, err := io.ReadFull(random, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= maxUnbiasedByte {
				continue
			}
			sb.WriteByte(CodeAlphabet[int(b)%len(CodeAlphabet)])
			if sb.Len() == CodeLength {
				break
			}
		}
	}
	return sb.String(), nil
}

// ValidCode reports whether s has the share code format.
func ValidCode(s string) bool {
	if len(s) != CodeLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !strings.ContainsRune(CodeAlphabet, rune(s[i])) {
			return false
		}
	}
	return true
}
