package services

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var folder = cases.Fold()

// NormalizeContent canonicalizes message text before hashing or comparing:
// NFKC, full Unicode case folding, whitespace runs collapsed to one space.
func NormalizeContent(s string) string {
	s = norm.NFKC.String(s)
	s = folder.String(s)
	return strings.Join(strings.Fields(s), " ")
}

// ContentHash is the hex SHA-256 of the normalized content.
func ContentHash(s string) string {
	sum := sha256.Sum256([]byte(NormalizeContent(s)))
	return hex.EncodeToString(sum[:])
}
