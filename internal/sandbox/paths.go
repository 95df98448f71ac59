package sandbox

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ResolveWithinRoot resolves p against root and verifies the result stays
// inside root. p may be relative to root, or absolute as long as it is
// contained. `.` and `..` segments are normalized before the check.
func ResolveWithinRoot(root, p string) (string, error) {
	root = filepath.Clean(root)

	var resolved string
	if filepath.IsAbs(p) {
		resolved = filepath.Clean(p)
	} else {
		resolved = filepath.Join(root, p)
	}

	if !Contains(root, resolved) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapesRoot, p)
	}
	return resolved, nil
}

// Contains reports whether path is root itself or nested under it.
// Both arguments must already be clean.
func Contains(root, path string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

// RelativeWithinRoot is like ResolveWithinRoot but additionally rejects
// absolute inputs and empty paths. Clone targets use it so a caller cannot
// point the clone at the root itself or outside it.
func RelativeWithinRoot(root, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("%w: empty path", ErrPathEscapesRoot)
	}
	if filepath.IsAbs(p) {
		return "", fmt.Errorf("%w: absolute path %s", ErrPathEscapesRoot, p)
	}
	resolved, err := ResolveWithinRoot(root, p)
	if err != nil {
		return "", err
	}
	if resolved == filepath.Clean(root) {
		return "", fmt.Errorf("%w: path resolves to session root", ErrPathEscapesRoot)
	}
	return resolved, nil
}
