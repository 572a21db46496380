package vfs

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsafePath is returned for paths that try to leave the project root or
// carry characters that cannot appear in a stored artifact name.
var ErrUnsafePath = errors.New("unsafe path")

// SanitizePath normalizes an artifact path written by an agent.
//
// Leading separators are stripped, backslashes become forward slashes,
// repeated separators collapse and "." segments are dropped. Paths with a
// ".." segment, control characters, or nothing left after cleaning are
// rejected instead of rewritten.
func SanitizePath(p string) (string, error) {
	if strings.ContainsAny(p, "\x00\r\n") {
		return "", fmt.Errorf("%w: control character in %q", ErrUnsafePath, p)
	}
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")

	segments := strings.Split(p, "/")
	clean := make([]string, 0, len(segments))
	for _, seg := range segments {
		seg = strings.TrimSpace(seg)
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", fmt.Errorf("%w: parent traversal in %q", ErrUnsafePath, p)
		}
		clean = append(clean, seg)
	}
	if len(clean) == 0 {
		return "", fmt.Errorf("%w: empty path", ErrUnsafePath)
	}
	return strings.Join(clean, "/"), nil
}
