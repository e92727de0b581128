package enginemanager

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrInvalidRoot is returned for rules roots the manager refuses to load
var ErrInvalidRoot = errors.New("invalid rules root")

var validNamespace = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9_.-]*$`)

// ValidateRoot checks a rules root supplied by a caller.
// Filesystem roots must not traverse upwards and, when allowed is non-empty,
// must sit inside one of the allowed directories. Namespace roots must carry
// a valid namespace name.
func ValidateRoot(root string, allowed []string) error {
	if root == "" {
		return fmt.Errorf("%w: root cannot be empty", ErrInvalidRoot)
	}
	if strings.ContainsRune(root, 0) {
		return fmt.Errorf("%w: root contains a NUL byte", ErrInvalidRoot)
	}

	if ns, ok := Namespace(root); ok {
		if err := ValidateNamespace(ns); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRoot, err)
		}
		return nil
	}

	decoded, err := unescapeAll(root)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}
	if hasTraversal(root) || hasTraversal(decoded) {
		return fmt.Errorf("%w: %q traverses outside its directory", ErrInvalidRoot, root)
	}

	if len(allowed) == 0 {
		return nil
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}
	for _, dir := range allowed {
		if within(dir, abs) {
			return nil
		}
	}
	return fmt.Errorf("%w: %q is outside the allowed rules directories", ErrInvalidRoot, root)
}

// ValidateNamespace validates the name of a database-backed rules namespace.
// Names are 1-100 characters of letters, digits, '_', '-' and '.', and may not start with '-' or '.'.
func ValidateNamespace(ns string) error {
	if len(ns) == 0 {
		return fmt.Errorf("namespace cannot be empty")
	}
	if len(ns) > 100 {
		return fmt.Errorf("namespace length %d exceeds maximum of 100 characters", len(ns))
	}
	if !validNamespace.MatchString(ns) {
		return fmt.Errorf("namespace %q must match pattern %s", ns, validNamespace)
	}
	if strings.Contains(ns, "..") {
		return fmt.Errorf("namespace %q cannot contain '..'", ns)
	}
	return nil
}

// unescapeAll decodes percent-encoding until the value stops changing, so
// double-encoded sequences like %252e%252e are caught too
func unescapeAll(s string) (string, error) {
	for i := 0; i < 3; i++ {
		decoded, err := url.PathUnescape(s)
		if err != nil {
			return "", fmt.Errorf("malformed escape in root: %w", err)
		}
		if decoded == s {
			return s, nil
		}
		s = decoded
	}
	return s, nil
}

func hasTraversal(p string) bool {
	for _, part := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return true
		}
	}
	return false
}

func within(dir, abs string) bool {
	base, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
