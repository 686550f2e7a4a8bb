// Package ids derives stable identifiers for case evidence.
package ids

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// caseNamespace scopes case UUIDs so they never collide with other SHA1 UUIDs.
var caseNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:emergency-agent:historical-case"))

// HashString returns the hex sha256 of input.
func HashString(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// ContentKey is the retrieval back-reference used for snippets without a source id.
// Whitespace differences do not change the key.
func ContentKey(text string) string {
	return "content:" + HashString(normalize(text))
}

// CaseID maps a retrieval source id (or, when empty, the snippet text) to a case id.
// The same input always yields the same id. It also returns the chunk reference
// stored on the case node.
func CaseID(sourceID, text string) (caseID string, chunkRef string) {
	sourceID = strings.TrimSpace(sourceID)
	if sourceID != "" {
		return uuid.NewSHA1(caseNamespace, []byte("source:"+sourceID)).String(), sourceID
	}
	ref := ContentKey(text)
	return uuid.NewSHA1(caseNamespace, []byte(ref)).String(), ref
}

func normalize(text string) string {
	return strings.Join(strings.FieldsFunc(text, unicode.IsSpace), " ")
}
