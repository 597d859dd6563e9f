package services

import (
	"crypto/rand"
	"fmt"
	"strings"
)

const (
	keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	keyGroupLen = 5
	keyGroups   = 5
)

// GenerateKeyString produces a key of the form XXXXX-XXXXX-XXXXX-XXXXX-XXXXX
// drawn from the 36-symbol alphabet [A-Z0-9]. Uniqueness is not guaranteed
// here; the store's unique constraint enforces it and issuance retries on
// conflict.
func GenerateKeyString() (string, error) {
	raw := make([]byte, keyGroupLen*keyGroups)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	groups := make([]string, keyGroups)
	for g := 0; g < keyGroups; g++ {
		var sb strings.Builder
		for i := 0; i < keyGroupLen; i++ {
			sb.WriteByte(keyAlphabet[int(raw[g*keyGroupLen+i])%len(keyAlphabet)])
		}
		groups[g] = sb.String()
	}

	return strings.Join(groups, "-"), nil
}

// NormalizeKeyString trims whitespace and uppercases a client-supplied key
// so lookups are case-insensitive
func NormalizeKeyString(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// ValidKeyFormat reports whether s matches the issued key shape:
// five dash-separated groups of five characters from [A-Z0-9]
func ValidKeyFormat(s string) bool {
	groups := strings.Split(s, "-")
	if len(groups) != keyGroups {
		return false
	}
	for _, g := range groups {
		if len(g) != keyGroupLen {
			return false
		}
		for _, c := range g {
			if !((c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')) {
				return false
			}
		}
	}
	return true
}
