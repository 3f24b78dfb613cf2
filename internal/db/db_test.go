package db

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "session.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDB_Migrates(t *testing.T) {
	db := setupTestDB(t)
	version, dirty, err := db.MigrateVersion()
	if err != nil {
		t.Fatal(err)
	}
	if version != 2 || dirty {
		t.Errorf("version=%d dirty=%v, want 2 clean", version, dirty)
	}

	// Reopening an up-to-date store is a no-op.
	again, err := NewDB(db.Path())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	again.Close()
}

func TestMigrateDown(t *testing.T) {
	db := setupTestDB(t)
	if err := db.MigrateDown(); err != nil {
		t.Fatal(err)
	}
	version, _, err := db.MigrateVersion()
	if err != nil {
		t.Fatal(err)
	}
	if version != 1 {
		t.Errorf("version = %d, want 1", version)
	}
	if _, err := db.ExportCount(); err == nil {
		t.Error("exports table should be gone")
	}
	if err := db.MigrateUp(); err != nil {
		t.Fatal(err)
	}
	if n, err := db.ExportCount(); err != nil || n != 0 {
		t.Errorf("ExportCount = %d, %v", n, err)
	}
}

func TestParticipants_UpsertKeepsFirstContact(t *testing.T) {
	db := setupTestDB(t)
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	first := Participant{
		ID: "b", Width: 512, Height: 424, Downsample: 2,
		Placement: &[3]float32{1, 2, 3},
		FirstSeen: t0, LastSeen: t0, Batches: 1, RowsReceived: 10, LastSeq: 1,
	}
	if err := db.UpsertParticipant(first); err != nil {
		t.Fatal(err)
	}
	local := Participant{ID: "a", IsLocal: true, Width: 512, Height: 424, Downsample: 2,
		FirstSeen: t0.Add(time.Second), LastSeen: t0.Add(time.Second)}
	if err := db.UpsertParticipant(local); err != nil {
		t.Fatal(err)
	}

	later := first
	later.Placement = &[3]float32{9, 9, 9}
	later.FirstSeen = t0.Add(time.Hour)
	later.LastSeen = t0.Add(time.Minute)
	later.Batches, later.RowsReceived, later.LastSeq = 5, 50, 7
	if err := db.UpsertParticipant(later); err != nil {
		t.Fatal(err)
	}

	got, err := db.Participants()
	if err != nil {
		t.Fatal(err)
	}
	want := []Participant{
		{
			ID: "b", Width: 512, Height: 424, Downsample: 2,
			Placement: &[3]float32{1, 2, 3},
			FirstSeen: t0, LastSeen: t0.Add(time.Minute), Batches: 5, RowsReceived: 50, LastSeq: 7,
		},
		local,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("participants mismatch (-want +got):\n%s", diff)
	}
}

func TestExports(t *testing.T) {
	db := setupTestDB(t)
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, base := range []string{"one", "two", "three"} {
		id, err := db.RecordExport(Export{
			Base: base, OBJPath: base + ".obj", MTLPath: base + ".mtl",
			Vertices: 16, Faces: 18, TriggerSource: "http",
			CreatedAt: t0.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatal(err)
		}
		if id != int64(i+1) {
			t.Errorf("id = %d, want %d", id, i+1)
		}
	}

	got, err := db.RecentExports(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Base != "three" || got[1].Base != "two" {
		t.Fatalf("RecentExports = %+v", got)
	}
	if !got[0].CreatedAt.Equal(t0.Add(2 * time.Second)) {
		t.Errorf("CreatedAt = %v", got[0].CreatedAt)
	}
	if n, _ := db.ExportCount(); n != 3 {
		t.Errorf("ExportCount = %d, want 3", n)
	}
}

func TestBackup(t *testing.T) {
	db := setupTestDB(t)
	if _, err := db.RecordExport(Export{Base: "x", OBJPath: "x.obj", MTLPath: "x.mtl", CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(t.TempDir(), "copy.db")
	if err := db.Backup(dst); err != nil {
		t.Fatal(err)
	}
	copyDB, err := NewDB(dst)
	if err != nil {
		t.Fatal(err)
	}
	defer copyDB.Close()
	if n, _ := copyDB.ExportCount(); n != 1 {
		t.Errorf("backup has %d exports, want 1", n)
	}
}

func TestAttachAdminRoutes_Backup(t *testing.T) {
	db := setupTestDB(t)
	mux := http.NewServeMux()
	db.AttachAdminRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/gzip" {
		t.Errorf("Content-Type = %q", ct)
	}
	// gzip magic
	if b := rec.Body.Bytes(); len(b) < 2 || b[0] != 0x1f || b[1] != 0x8b {
		t.Error("body is not gzip")
	}
}

func TestRunMigrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.db")
	var out bytes.Buffer

	if err := RunMigrate(path, "status", &out); err != nil {
		t.Fatalf("status on empty store: %v", err)
	}
	if got, want := out.String(), "schema version 0 (dirty=false, latest=2)\n"; got != want {
		t.Errorf("status = %q, want %q", got, want)
	}

	out.Reset()
	if err := RunMigrate(path, "up", &out); err != nil {
		t.Fatalf("up: %v", err)
	}
	if got, want := out.String(), "schema version 2 (dirty=false, latest=2)\n"; got != want {
		t.Errorf("up = %q, want %q", got, want)
	}

	out.Reset()
	if err := RunMigrate(path, "down", &out); err != nil {
		t.Fatalf("down: %v", err)
	}
	if got, want := out.String(), "schema version 1 (dirty=false, latest=2)\n"; got != want {
		t.Errorf("down = %q, want %q", got, want)
	}

	if err := RunMigrate(path, "sideways", &out); err == nil {
		t.Error("expected error for unknown action")
	}

	// The rolled-back store is brought up to date when opened normally.
	db, err := NewDB(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if version, _, _ := db.MigrateVersion(); version != LatestMigration {
		t.Errorf("version after reopen = %d, want %d", version, LatestMigration)
	}
}
