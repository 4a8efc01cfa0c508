package pebblestore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Options{
		DataDir:       t.TempDir(),
		Fsync:         FsyncModeInterval,
		FsyncInterval: 2 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestCRUD(t *testing.T) {
	db := newTestDB(t)

	key := []byte("k1")
	val := []byte("v1")
	if err := db.Set(key, val); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := db.Get(key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != string(val) {
		t.Fatalf("got %q want %q", got, val)
	}

	if err := db.Delete(key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.Get(key); !errors.Is(err, pebble.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestBatchCommit(t *testing.T) {
	db := newTestDB(t)

	b := db.NewBatch()
	if err := b.Set([]byte("a"), []byte("1"), nil); err != nil {
		t.Fatalf("batch set: %v", err)
	}
	if err := b.Set([]byte("b"), []byte("2"), nil); err != nil {
		t.Fatalf("batch set: %v", err)
	}
	if err := db.CommitBatch(context.Background(), b); err != nil {
		t.Fatalf("commit: %v", err)
	}
	b.Close()

	for _, kv := range []struct{ k, v string }{{"a", "1"}, {"b", "2"}} {
		got, err := db.Get([]byte(kv.k))
		if err != nil {
			t.Fatalf("get %s: %v", kv.k, err)
		}
		if string(got) != kv.v {
			t.Fatalf("key %s: got %q want %q", kv.k, got, kv.v)
		}
	}
}

func TestIterOrdering(t *testing.T) {
	db := newTestDB(t)

	for _, k := range []string{"p/b", "p/a", "q/c"} {
		if err := db.Set([]byte(k), []byte("x")); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}

	it, err := db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("p/"),
		UpperBound: []byte("p0"),
	})
	if err != nil {
		t.Fatalf("new iter: %v", err)
	}
	defer it.Close()

	var keys []string
	for it.First(); it.Valid(); it.Next() {
		keys = append(keys, string(it.Key()))
	}
	if len(keys) != 2 || keys[0] != "p/a" || keys[1] != "p/b" {
		t.Fatalf("unexpected keys %v", keys)
	}
}

func TestParseFsyncMode(t *testing.T) {
	cases := []struct {
		in   string
		want FsyncMode
		ok   bool
	}{
		{"", FsyncModeInterval, true},
		{"interval", FsyncModeInterval, true},
		{"always", FsyncModeAlways, true},
		{"never", FsyncModeNever, true},
		{"sometimes", FsyncModeUnspecified, false},
	}
	for _, tc := range cases {
		got, err := ParseFsyncMode(tc.in)
		if tc.ok && err != nil {
			t.Fatalf("parse %q: %v", tc.in, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("parse %q: expected error", tc.in)
		}
		if got != tc.want {
			t.Fatalf("parse %q: got %v want %v", tc.in, got, tc.want)
		}
	}
}
