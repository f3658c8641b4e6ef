package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Validation errors
var (
	ErrPathTraversal   = errors.New("security: path traversal detected")
	ErrInvalidPath     = errors.New("security: invalid path")
	ErrPathOutsideRoot = errors.New("security: path outside allowed root")
	ErrInvalidInput    = errors.New("security: invalid input")
	ErrInputTooLong    = errors.New("security: input exceeds maximum length")
	ErrNullByte        = errors.New("security: null byte in input")
)

// PathValidator provides secure path validation for paths that may come
// from configuration or from the host application.
type PathValidator struct {
	// AllowedRoots are the directories that paths must be within.
	AllowedRoots []string

	// AllowSymlinks controls whether symbolic links are followed.
	AllowSymlinks bool

	// MaxPathLength is the maximum allowed path length.
	MaxPathLength int
}

// DefaultPathValidator returns a PathValidator with sensible defaults.
func DefaultPathValidator() *PathValidator {
	return &PathValidator{
		AllowSymlinks: false,
		MaxPathLength: 4096,
	}
}

// ValidatePath checks if a path is safe to use and returns the cleaned,
// absolute path if it is.
func (v *PathValidator) ValidatePath(path string) (string, error) {
	if path == "" {
		return "", ErrInvalidPath
	}

	if strings.Contains(path, "\x00") {
		return "", ErrNullByte
	}

	if v.MaxPathLength > 0 && len(path) > v.MaxPathLength {
		return "", fmt.Errorf("%w: length %d exceeds maximum %d", ErrInputTooLong, len(path), v.MaxPathLength)
	}

	if containsTraversal(path) {
		return "", ErrPathTraversal
	}

	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}

	if len(v.AllowedRoots) > 0 {
		withinRoot := false
		for _, root := range v.AllowedRoots {
			absRoot, err := filepath.Abs(root)
			if err != nil {
				continue
			}
			if strings.HasPrefix(absPath, absRoot+string(filepath.Separator)) || absPath == absRoot {
				withinRoot = true
				break
			}
		}
		if !withinRoot {
			return "", ErrPathOutsideRoot
		}
	}

	if !v.AllowSymlinks {
		realPath, err := filepath.EvalSymlinks(absPath)
		switch {
		case err == nil:
			absPath = realPath
		case os.IsNotExist(err):
			// Path may not exist yet; resolve through the parent instead.
			parentDir := filepath.Dir(absPath)
			realParent, perr := filepath.EvalSymlinks(parentDir)
			if perr != nil && !os.IsNotExist(perr) {
				return "", fmt.Errorf("%w: parent symlink evaluation failed: %v", ErrInvalidPath, perr)
			}
			if realParent != "" && realParent != parentDir {
				absPath = filepath.Join(realParent, filepath.Base(absPath))
			}
		default:
			return "", fmt.Errorf("%w: symlink evaluation failed: %v", ErrInvalidPath, err)
		}
	}

	return absPath, nil
}

// containsTraversal checks for common path traversal patterns.
func containsTraversal(path string) bool {
	parts := strings.Split(filepath.ToSlash(path), "/")
	for _, part := range parts {
		if part == ".." {
			return true
		}
	}

	if strings.Contains(strings.ToLower(path), "%2e%2e") {
		return true
	}

	return strings.Contains(path, "..\\") || strings.Contains(path, "\\..")
}

// ValidateFilename validates a bare filename (no path components).
// Spool batch files arrive from the host application, so their names
// are treated as untrusted.
func ValidateFilename(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty filename", ErrInvalidInput)
	}

	if strings.Contains(name, "\x00") {
		return ErrNullByte
	}

	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%w: filename contains path separator", ErrInvalidInput)
	}

	if name == "." || name == ".." {
		return fmt.Errorf("%w: reserved filename", ErrInvalidInput)
	}

	if strings.HasPrefix(name, " ") || strings.HasSuffix(name, " ") {
		return fmt.Errorf("%w: filename has leading/trailing spaces", ErrInvalidInput)
	}

	return nil
}

// MaxSessionIDLength bounds session identifiers accepted from callers.
const MaxSessionIDLength = 128

// ValidateSessionID checks a caller-supplied session identifier.
// Session IDs become key-derivation inputs and storage keys, so only a
// conservative character set is accepted.
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty session id", ErrInvalidInput)
	}
	if len(id) > MaxSessionIDLength {
		return fmt.Errorf("%w: session id length %d exceeds maximum %d",
			ErrInputTooLong, len(id), MaxSessionIDLength)
	}

	for i, c := range id {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return fmt.Errorf("%w: session id has invalid character at position %d", ErrInvalidInput, i)
		}
	}

	return nil
}

// ValidateContextLabel checks a key-derivation context label.
func ValidateContextLabel(label string) error {
	if label == "" {
		return fmt.Errorf("%w: empty context label", ErrInvalidInput)
	}
	if len(label) > 64 {
		return fmt.Errorf("%w: context label length %d exceeds maximum 64", ErrInputTooLong, len(label))
	}

	for i, c := range label {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-':
		default:
			return fmt.Errorf("%w: context label has invalid character at position %d", ErrInvalidInput, i)
		}
	}

	return nil
}
