package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// keyFolder strips diacritics so "Peña Blvd" and "Pena Blvd" normalize to
// the same key.
var keyFolder = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeAddress canonicalizes a listing address for use as a natural key:
// diacritics folded, lowercased, punctuation dropped, whitespace collapsed.
func NormalizeAddress(address string) string {
	folded, _, err := transform.String(keyFolder, address)
	if err != nil {
		folded = address
	}

	var b strings.Builder
	b.Grow(len(folded))
	lastSpace := true
	for _, r := range strings.ToLower(folded) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r) || r == ',' || r == '.' || r == '-' || r == '#' || r == '/':
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// ItemID returns the deterministic work item ID for an address: the first
// 16 hex characters of the SHA-256 of the normalized key. Every subsystem
// joins on this ID.
func ItemID(address string) string {
	sum := sha256.Sum256([]byte(NormalizeAddress(address)))
	return hex.EncodeToString(sum[:])[:16]
}
