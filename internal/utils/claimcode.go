package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// NormalizeClaimCode strips separators and case so "abcd-1234" and "ABCD 1234" match.
func NormalizeClaimCode(code string) string {
	var b strings.Builder
	b.Grow(len(code))
	for _, r := range strings.ToUpper(code) {
		switch r {
		case '-', ' ', '\t', '\n', '\r':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// HashClaimCode returns the hex sha256 of the normalized code. Only this value is persisted.
func HashClaimCode(code string) string {
	sum := sha256.Sum256([]byte(NormalizeClaimCode(code)))
	return hex.EncodeToString(sum[:])
}
