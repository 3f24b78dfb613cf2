package security

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"scan", "scan"},
		{"scan-01.v2", "scan-01.v2"},
		{"../../etc/passwd", "etc_passwd"},
		{"hello world!!", "hello_world"},
		{"__..", "unknown"},
		{"", "unknown"},
		{"ünïcode", "n_code"},
	}
	for _, tt := range tests {
		if got := SanitizeFilename(tt.in); got != tt.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	if got := SanitizeFilename(string(long)); len(got) != maxNameLen {
		t.Errorf("long name length = %d, want %d", len(got), maxNameLen)
	}
}

func TestWithinDirectory(t *testing.T) {
	tmp := t.TempDir()
	safe := filepath.Join(tmp, "safe")
	outside := filepath.Join(tmp, "outside")
	for _, d := range []string{safe, outside} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	link := filepath.Join(safe, "link")
	if err := os.Symlink(outside, link); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"direct child", filepath.Join(safe, "scan.obj"), false},
		{"nested missing dir", filepath.Join(safe, "a", "b", "scan.obj"), false},
		{"dot dot", filepath.Join(safe, "..", "scan.obj"), true},
		{"absolute elsewhere", "/etc/passwd", true},
		{"through symlink", filepath.Join(link, "scan.obj"), true},
		{"the symlink itself", link, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := WithinDirectory(tt.path, safe)
			if (err != nil) != tt.wantErr {
				t.Fatalf("WithinDirectory(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrPathEscape) {
				t.Errorf("expected ErrPathEscape, got %v", err)
			}
		})
	}
}

func TestExportFile(t *testing.T) {
	dir := t.TempDir()

	path, err := ExportFile(dir, "scan.obj")
	if err != nil {
		t.Fatal(err)
	}
	if path != filepath.Join(dir, "scan.obj") {
		t.Errorf("path = %q", path)
	}

	for _, name := range []string{"scan.txt", "../scan.obj", "sub/scan.obj", "bad name.jpg", ".mtl", ""} {
		if _, err := ExportFile(dir, name); !errors.Is(err, ErrBadExportName) {
			t.Errorf("ExportFile(%q) error = %v, want ErrBadExportName", name, err)
		}
	}
}
