package enginemanager

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateRoot_Empty(t *testing.T) {
	err := ValidateRoot("", nil)
	if !errors.Is(err, ErrInvalidRoot) {
		t.Errorf("Expected ErrInvalidRoot for empty root, got %v", err)
	}
	if err != nil && !strings.Contains(err.Error(), "empty") {
		t.Errorf("Expected error message about empty root, got: %v", err)
	}
}

func TestValidateRoot_Traversal(t *testing.T) {
	roots := []string{
		"..",
		"../etc",
		"rules/../../etc",
		`rules\..\..\windows`,
		"%2e%2e/etc",
		"rules/%2E%2E/secret",
		"%252e%252e/etc",
		"rules%2f..%2fsecret",
	}

	for _, root := range roots {
		t.Run(root, func(t *testing.T) {
			err := ValidateRoot(root, nil)
			if !errors.Is(err, ErrInvalidRoot) {
				t.Errorf("Expected ErrInvalidRoot for %q, got %v", root, err)
			}
		})
	}
}

func TestValidateRoot_MalformedEscape(t *testing.T) {
	if err := ValidateRoot("rules/%zz", nil); !errors.Is(err, ErrInvalidRoot) {
		t.Errorf("Expected ErrInvalidRoot for malformed escape, got %v", err)
	}
}

func TestValidateRoot_NulByte(t *testing.T) {
	if err := ValidateRoot("rules\x00/x", nil); !errors.Is(err, ErrInvalidRoot) {
		t.Errorf("Expected ErrInvalidRoot for NUL byte, got %v", err)
	}
}

func TestValidateRoot_ValidWithoutAllowList(t *testing.T) {
	roots := []string{"rules", "./rules", "/srv/detections", "rules/aws", "rules..old", "..hidden"}

	for _, root := range roots {
		if err := ValidateRoot(root, nil); err != nil {
			t.Errorf("Expected %q to be valid, got error: %v", root, err)
		}
	}
}

func TestValidateRoot_AllowList(t *testing.T) {
	base := t.TempDir()
	allowed := []string{filepath.Join(base, "rules"), filepath.Join(base, "extra")}

	tests := []struct {
		name      string
		root      string
		shouldErr bool
	}{
		{"allowed dir itself", filepath.Join(base, "rules"), false},
		{"nested", filepath.Join(base, "rules", "aws"), false},
		{"second entry", filepath.Join(base, "extra", "gcp"), false},
		{"sibling", filepath.Join(base, "other"), true},
		{"prefix but not child", filepath.Join(base, "rules-evil"), true},
		{"parent", base, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRoot(tt.root, allowed)
			if tt.shouldErr && !errors.Is(err, ErrInvalidRoot) {
				t.Errorf("Expected ErrInvalidRoot for %s, got %v", tt.root, err)
			}
			if !tt.shouldErr && err != nil {
				t.Errorf("Expected no error for %s, got: %v", tt.root, err)
			}
		})
	}
}

func TestValidateRoot_Namespace(t *testing.T) {
	tests := []struct {
		root      string
		shouldErr bool
	}{
		{"db:acme", false},
		{"db:team-a.prod", false},
		{"db:_internal", false},
		{"db:", true},
		{"db:../etc", true},
		{"db:a/b", true},
		{"db:-flag", true},
		{"db:a..b", true},
		{"db:" + strings.Repeat("a", 101), true},
	}

	allowed := []string{"/nowhere"}
	for _, tt := range tests {
		t.Run(tt.root, func(t *testing.T) {
			err := ValidateRoot(tt.root, allowed)
			if tt.shouldErr && !errors.Is(err, ErrInvalidRoot) {
				t.Errorf("Expected ErrInvalidRoot for %q, got %v", tt.root, err)
			}
			if !tt.shouldErr && err != nil {
				t.Errorf("Expected namespace root %q to bypass the directory allow-list, got: %v", tt.root, err)
			}
		})
	}
}

func TestValidateNamespace_LengthLimits(t *testing.T) {
	tests := []struct {
		name      string
		ns        string
		shouldErr bool
	}{
		{"empty", "", true},
		{"single char", "a", false},
		{"max length 100", strings.Repeat("a", 100), false},
		{"too long 101", strings.Repeat("a", 101), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateNamespace(tt.ns)
			if tt.shouldErr && err == nil {
				t.Errorf("Expected error for %s, got nil", tt.name)
			}
			if !tt.shouldErr && err != nil {
				t.Errorf("Expected no error for %s, got: %v", tt.name, err)
			}
		})
	}
}

func BenchmarkValidateRoot(b *testing.B) {
	allowed := []string{"/srv/rules"}
	for i := 0; i < b.N; i++ {
		_ = ValidateRoot("/srv/rules/aws/%2e%2e/iam", allowed)
	}
}
