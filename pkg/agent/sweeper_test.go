package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"riptide/agent/pkg/logging"
	"riptide/agent/pkg/store"
)

func TestSweepRemovesExpiredSharesAndFiles(t *testing.T) {
	root := t.TempDir()
	now := time.Unix(1700000000, 0)
	st := newFakeStore(
		store.Share{FileID: 1, Exp: now.Unix() - 10},
		store.Share{FileID: 2, Exp: now.Unix() - 1}, // no backing file
		store.Share{FileID: 3, Exp: now.Unix() + 60},
	)
	for _, id := range []string{"1", "3"} {
		if err := os.WriteFile(filepath.Join(root, id), []byte("data"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	stats := NewStats()
	sw := NewSweeper(st, root, time.Minute, logging.Discard(), stats)
	sw.now = func() time.Time { return now }

	if n := sw.Sweep(context.Background()); n != 2 {
		t.Errorf("Sweep removed %d shares, want 2", n)
	}
	if _, err := os.Stat(filepath.Join(root, "1")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("file 1 still present: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "3")); err != nil {
		t.Errorf("live share file removed: %v", err)
	}
	if n := sw.Sweep(context.Background()); n != 0 {
		t.Errorf("second Sweep removed %d, want 0", n)
	}
	if snap := stats.Snapshot(); snap.SweptShares != 2 || snap.LastSweep == nil {
		t.Errorf("stats = %+v", snap)
	}
}

func TestSweepStoreErrorIsNotFatal(t *testing.T) {
	st := newFakeStore()
	st.err = errors.New("database is locked")
	sw := NewSweeper(st, t.TempDir(), time.Minute, logging.Discard(), nil)
	if n := sw.Sweep(context.Background()); n != 0 {
		t.Errorf("Sweep = %d, want 0", n)
	}
}

func TestSweeperRunTicks(t *testing.T) {
	root := t.TempDir()
	st := newFakeStore(store.Share{FileID: 5, Exp: 1})
	sw := NewSweeper(st, root, 20*time.Millisecond, logging.Discard(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sw.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		st.mu.Lock()
		n := len(st.shares)
		st.mu.Unlock()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sweeper never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v", err)
	}
}

// The sweeper against the real SQLite store.
func TestSweepSQLite(t *testing.T) {
	dir := t.TempDir()
	db, err := store.Open(store.Config{Path: filepath.Join(dir, "riptide.db"), Logger: logging.Discard()})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	ctx := context.Background()
	now := time.Now()
	_ = db.InsertShare(ctx, store.Share{FileID: 11, Exp: now.Add(-time.Hour).Unix(), UserName: "a", FileName: "old"})
	_ = db.InsertShare(ctx, store.Share{FileID: 12, Exp: now.Add(time.Hour).Unix(), UserName: "a", FileName: "new"})
	if err := os.WriteFile(store.FilePath(dir, 11), nil, 0o600); err != nil {
		t.Fatal(err)
	}

	sw := NewSweeper(db, dir, time.Minute, logging.Discard(), nil)
	if n := sw.Sweep(ctx); n != 1 {
		t.Fatalf("Sweep = %d, want 1", n)
	}
	if _, err := db.GetShare(ctx, 11); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expired share still registered: %v", err)
	}
	if _, err := os.Stat(store.FilePath(dir, 11)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expired file still present")
	}
}
