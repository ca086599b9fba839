package crypto

import (
	"crypto/sha256"
	"strings"
)

// A list of simple, unambiguous words for the safety words.
var sasWordList = []string{
	"apple", "bird", "book", "bow", "cat", "cloud", "coin", "cup", "dog", "door",
	"duck", "fan", "fish", "fox", "grape", "hat", "heart", "house", "ice", "jar",
	"key", "kite", "leaf", "lion", "moon", "mouse", "nest", "net", "orange", "pen",
	"pig", "pipe", "queen", "rain", "ring", "robot", "rock", "ship", "shoe", "star",
	"sun", "tree", "tulip", "van", "vest", "vine", "watch", "web", "wheel", "wolf",
	"yacht", "yarn", "zebra", "anchor", "bell", "candle", "drum", "egg", "flag",
	"glove", "harp", "igloo", "jelly", "lamp",
}

// SafetyWords derives a human-readable string both peers can compare out of
// band after the channel is up. Matching words mean both sides derived the
// same key; they do not authenticate who the peer is.
func SafetyWords(key *SessionKey, numWords int) string {
	h := sha256.New()
	h.Write([]byte("lanchat-safety-words"))
	h.Write(key[:])
	digest := h.Sum(nil)

	var words []string
	for i := 0; i < numWords && i < len(digest); i++ {
		words = append(words, sasWordList[int(digest[i])%len(sasWordList)])
	}

	return strings.Join(words, "-")
}
