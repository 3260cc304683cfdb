// Package canon provides deterministic text normalization and
// content-hash computation for instruction-memory items.
//
// Canonicalization runs before every hash so that insignificant
// formatting differences (CRLF line endings, trailing whitespace,
// runs of spaces) never trigger a spurious new version.
package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var horizontalWS = regexp.MustCompile(`[ \t]+`)

// Canonicalize normalizes text for hashing:
//
//  1. Unicode NFC normalization
//  2. Line endings folded to "\n"
//  3. Leading/trailing whitespace trimmed
//  4. Runs of horizontal whitespace collapsed to a single space
//
// Pure and deterministic. Canonicalize(Canonicalize(s)) == Canonicalize(s).
func Canonicalize(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	t := norm.NFC.String(s)
	t = strings.ReplaceAll(t, "\r\n", "\n")
	t = strings.TrimSpace(t)
	return horizontalWS.ReplaceAllString(t, " ")
}

// ContentHash computes the stable fingerprint of an item's canonical
// title and content:
//
//	hex(SHA-256(itemID + "\n" + Canonicalize(title) + "\n" + Canonicalize(content)))
//
// The item id is part of the preimage so identical content under two
// different ids never collides into one hash.
func ContentHash(itemID, title, content string) string {
	return HexSHA256(itemID + "\n" + Canonicalize(title) + "\n" + Canonicalize(content))
}

// HexSHA256 returns the lowercase hex SHA-256 digest of s.
func HexSHA256(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
