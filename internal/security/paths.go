// Package security guards the file names and paths that reach the
// filesystem from configuration, remote senders and HTTP requests.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	ErrPathEscape    = errors.New("path escapes directory")
	ErrBadExportName = errors.New("not an export file name")
)

// ExportExtensions are the file kinds an export produces.
var ExportExtensions = []string{".obj", ".mtl", ".jpg"}

const maxNameLen = 128

// SanitizeFilename maps an arbitrary string to a bare file name made of
// ASCII letters, digits, '.', '_' and '-'. Runs of other characters
// become one underscore and leading or trailing dots and underscores are
// dropped. An empty result becomes "unknown".
func SanitizeFilename(s string) string {
	var b strings.Builder
	pending := false
	for _, r := range s {
		if b.Len() >= maxNameLen {
			break
		}
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '.' || r == '_' || r == '-'
		if !ok {
			pending = true
			continue
		}
		if pending && b.Len() > 0 {
			b.WriteByte('_')
		}
		pending = false
		b.WriteRune(r)
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}

// WithinDirectory reports an error unless path resolves inside dir.
// Symlinks in dir, in path, or in the nearest existing parent of path
// are resolved before comparing.
func WithinDirectory(path, dir string) error {
	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dir, err)
	}
	root, err := filepath.EvalSymlinks(absDir)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dir, err)
	}

	rel, err := filepath.Rel(root, canonical(absPath))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrPathEscape, path)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: %s is outside %s", ErrPathEscape, path, dir)
	}
	return nil
}

// canonical resolves symlinks in the longest existing prefix of p.
func canonical(p string) string {
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	for parent := filepath.Dir(p); ; parent = filepath.Dir(parent) {
		if resolved, err := filepath.EvalSymlinks(parent); err == nil {
			rest, _ := filepath.Rel(parent, p)
			return filepath.Join(resolved, rest)
		}
		if parent == filepath.Dir(parent) {
			return p
		}
	}
}

// ExportFile validates a requested export file name and returns its
// path inside dir. The name must be bare, already sanitized and carry
// one of ExportExtensions.
func ExportFile(dir, name string) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	known := false
	for _, e := range ExportExtensions {
		if ext == e {
			known = true
			break
		}
	}
	if !known || name != filepath.Base(name) || SanitizeFilename(name) != name {
		return "", fmt.Errorf("%w: %q", ErrBadExportName, name)
	}
	path := filepath.Join(dir, name)
	if err := WithinDirectory(path, dir); err != nil {
		return "", err
	}
	return path, nil
}
