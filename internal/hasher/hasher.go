// Package hasher computes workspace-scoped content hashes used for
// ingestion deduplication. The same text in two different workspaces
// produces two different hashes.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeText applies NFC normalization, trims outer whitespace and
// collapses internal whitespace runs to a single space. Case is preserved.
func NormalizeText(text string) string {
	text = norm.NFC.String(text)
	return strings.Join(strings.Fields(text), " ")
}

// HashText returns the SHA-256 of "{workspaceID}:{normalized text}" as 64
// lowercase hex characters.
func HashText(workspaceID, text string) string {
	sum := sha256.Sum256([]byte(workspaceID + ":" + NormalizeText(text)))
	return hex.EncodeToString(sum[:])
}

// HashFile returns the SHA-256 of workspaceID || ':' || raw bytes. Files
// are hashed exactly, with no normalization.
func HashFile(workspaceID string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(workspaceID))
	h.Write([]byte{':'})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
