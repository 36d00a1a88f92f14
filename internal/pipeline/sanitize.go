package pipeline

import "regexp"

var unsafeFsChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// SanitizeRef maps an opaque media reference onto a filesystem-safe directory
// name. Each disallowed character becomes exactly one underscore, so the
// transform is deterministic and idempotent; refs sharing a prefix still map
// to distinct directories.
func SanitizeRef(ref string) string {
	return unsafeFsChars.ReplaceAllString(ref, "_")
}
