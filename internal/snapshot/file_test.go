package snapshot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MISP/SkillAegis-Dashboard/internal/state"
)

func sampleSnapshot() *state.Snapshot {
	game := state.New()
	game.ObserveEmail(1, "blue@exercise.test")
	game.ObserveAuthkey(1, "d2f77359")
	return game.Snapshot()
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.json")
	store := NewFileStore(path)

	if _, err := store.Load(context.Background()); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("missing file should be ErrNoSnapshot, got %v", err)
	}

	snap := sampleSnapshot()
	if err := store.Save(context.Background(), snap); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if loaded.UserIDToEmail[1] != "blue@exercise.test" {
		t.Fatalf("round trip lost the email map: %#v", loaded.UserIDToEmail)
	}
	if loaded.UserIDToAuthkey[1] != "d2f77359" {
		t.Fatalf("round trip lost the authkey map: %#v", loaded.UserIDToAuthkey)
	}
}

func TestFileStoreSkipsUnchangedWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.json")
	store := NewFileStore(path)
	snap := sampleSnapshot()

	if err := store.Save(context.Background(), snap); err != nil {
		t.Fatal(err)
	}
	before, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}

	if err := store.Save(context.Background(), snap); err != nil {
		t.Fatal(err)
	}
	after, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if !after.ModTime().Before(before.ModTime()) {
		t.Fatal("identical content must not be rewritten")
	}
}

func TestFileStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.json")
	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileStore(path).Load(context.Background()); err == nil {
		t.Fatal("corrupt snapshots must fail to load")
	}
}
