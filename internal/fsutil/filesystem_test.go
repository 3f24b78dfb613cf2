package fsutil

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func writeString(s string) func(io.Writer) error {
	return func(w io.Writer) error {
		_, err := io.WriteString(w, s)
		return err
	}
}

func TestOSFileSystem_RoundTrip(t *testing.T) {
	var fsys OSFileSystem
	dir := filepath.Join(t.TempDir(), "a", "b")
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}

	name := filepath.Join(dir, "scan.obj")
	if err := WriteFileAtomic(fsys, name, writeString("v 0 0 0\n")); err != nil {
		t.Fatalf("WriteFileAtomic failed: %v", err)
	}
	data, err := fsys.ReadFile(name)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "v 0 0 0\n" {
		t.Errorf("got %q", data)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the final file, found %d entries", len(entries))
	}

	if err := fsys.Remove(name); err != nil {
		t.Fatal(err)
	}
	if fsys.Exists(name) {
		t.Error("file should be removed")
	}
}

func TestMemoryFileSystem_CreateVisibleOnClose(t *testing.T) {
	mfs := NewMemoryFileSystem()

	w, err := mfs.Create("out/created.txt")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := w.Write([]byte("created content")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if data, _ := mfs.ReadFile("out/created.txt"); len(data) != 0 {
		t.Errorf("data visible before Close: %q", data)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := w.Close(); err == nil {
		t.Error("second Close should fail")
	}
	if _, err := w.Write([]byte("x")); err == nil {
		t.Error("Write after Close should fail")
	}

	data, err := mfs.ReadFile("out/./created.txt")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "created content" {
		t.Errorf("expected 'created content', got %q", data)
	}

	f, err := mfs.Open("out/created.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	all, _ := io.ReadAll(f)
	if string(all) != "created content" {
		t.Errorf("Open read %q", all)
	}
	info, _ := f.Stat()
	if info.Size() != int64(len(all)) || info.Name() != "created.txt" {
		t.Errorf("unexpected stat %v %v", info.Name(), info.Size())
	}
}

func TestMemoryFileSystem_Missing(t *testing.T) {
	mfs := NewMemoryFileSystem()
	if _, err := mfs.Open("nope"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Open: expected ErrNotExist, got %v", err)
	}
	if _, err := mfs.ReadFile("nope"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("ReadFile: expected ErrNotExist, got %v", err)
	}
	if err := mfs.Remove("nope"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Remove: expected ErrNotExist, got %v", err)
	}
	if err := mfs.Rename("nope", "other"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Rename: expected ErrNotExist, got %v", err)
	}
}

func TestMemoryFileSystem_Dirs(t *testing.T) {
	mfs := NewMemoryFileSystem()
	if err := mfs.MkdirAll("exports/today", 0o755); err != nil {
		t.Fatal(err)
	}
	if !mfs.Exists("exports") || !mfs.Exists("exports/today") {
		t.Error("expected parent directories to exist")
	}
	if err := WriteFile(mfs, "exports/today/a.txt", writeString("a")); err != nil {
		t.Fatal(err)
	}
	if err := mfs.Remove("exports/today"); err == nil {
		t.Error("removing non-empty directory should fail")
	}
	if err := mfs.Remove("exports/today/a.txt"); err != nil {
		t.Fatal(err)
	}
	if err := mfs.Remove("exports/today"); err != nil {
		t.Errorf("removing empty directory failed: %v", err)
	}
}

func TestWriteFile_PropagatesWriterError(t *testing.T) {
	mfs := NewMemoryFileSystem()
	boom := errors.New("encode failed")
	err := WriteFile(mfs, "a.jpg", func(io.Writer) error { return boom })
	if !errors.Is(err, boom) {
		t.Errorf("expected writer error, got %v", err)
	}
}

func TestWriteFileAtomic_FailuresLeaveNoTemp(t *testing.T) {
	mfs := NewMemoryFileSystem()
	if err := WriteFile(mfs, "scan.mtl", writeString("old")); err != nil {
		t.Fatal(err)
	}

	if err := WriteFileAtomic(mfs, "scan.mtl", func(io.Writer) error { return errors.New("boom") }); err == nil {
		t.Fatal("expected error")
	}
	if got := mfs.Files(); len(got) != 1 || got[0] != "scan.mtl" {
		t.Errorf("temp file left behind: %v", got)
	}

	mfs.Fail("scan.mtl", errors.New("read-only"))
	if err := WriteFileAtomic(mfs, "scan.mtl", writeString("new")); err == nil {
		t.Fatal("expected rename error")
	}
	if got := mfs.Files(); len(got) != 1 {
		t.Errorf("temp file left behind after rename failure: %v", got)
	}
	data, _ := mfs.ReadFile("scan.mtl")
	if string(data) != "old" {
		t.Errorf("original content replaced: %q", data)
	}

	mfs.Fail("scan.mtl", nil)
	if err := WriteFileAtomic(mfs, "scan.mtl", writeString("new")); err != nil {
		t.Fatal(err)
	}
	data, _ = mfs.ReadFile("scan.mtl")
	if string(data) != "new" {
		t.Errorf("got %q", data)
	}
}
