// Package subject turns raw subject lines into the stable identifiers used as
// archive folder names.
package subject

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Untitled replaces empty subjects so they still map to a stable ID.
const Untitled = "Untitled"

// IDLength is the number of hex characters kept from the digest.
const IDLength = 12

var prefixPattern = regexp.MustCompile(`(?i)^\s*\[?(?:fwd|fw|tr|re|aw|wg)\s*:\s*\]?\s*`)

// Normalize strips any chain of reply/forward prefixes ("Re:", "Fwd:", "[Fw:]",
// "TR:", "AW:", "WG:") and surrounding whitespace.
func Normalize(s string) string {
	cleaned := strings.TrimSpace(s)
	for {
		loc := prefixPattern.FindStringIndex(cleaned)
		if loc == nil || loc[1] == 0 {
			break
		}
		cleaned = cleaned[loc[1]:]
	}
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return Untitled
	}
	return cleaned
}

// ID hashes a normalized subject into a 12 character lower-case hex string.
func ID(normalized string) string {
	if normalized == "" {
		normalized = Untitled
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:IDLength]
}

// IDFor normalizes and hashes in one step.
func IDFor(raw string) string {
	return ID(Normalize(raw))
}

// IsID reports whether name has the shape of an archive entry folder.
func IsID(name string) bool {
	if len(name) != IDLength {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
