package util

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

var words = []string{
	"apple", "banana", "carrot", "dog", "elephant", "frog", "grape", "hat", "ice",
	"jungle", "kite", "lemon", "moon", "ninja", "orange", "pencil", "queen", "robot",
	"snake", "tiger", "unicorn", "violet", "whale", "xylophone", "yacht", "zebra",
}

// GenerateCode creates a memorable, multi-word invite code such as
// "kite-moon-robot". Hosts advertise it over mDNS so a joiner can find them
// without typing an address.
func GenerateCode(numWords int) (string, error) {
	if numWords <= 0 {
		return "", fmt.Errorf("invite code needs at least one word, got %d", numWords)
	}

	parts := make([]string, 0, numWords)
	for i := 0; i < numWords; i++ {
		// Generate a cryptographically secure random number.
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(words))))
		if err != nil {
			return "", fmt.Errorf("could not generate random number for code: %w", err)
		}
		parts = append(parts, words[n.Int64()])
	}
	return strings.Join(parts, "-"), nil
}

// ValidCode reports whether s looks like a code produced by GenerateCode.
func ValidCode(s string) bool {
	if s == "" {
		return false
	}
	for _, part := range strings.Split(s, "-") {
		if !isWord(part) {
			return false
		}
	}
	return true
}

func isWord(s string) bool {
	for _, w := range words {
		if w == s {
			return true
		}
	}
	return false
}
