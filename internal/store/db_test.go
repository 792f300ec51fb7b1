package store

import (
	"context"
	"testing"
)

func TestNewDBInvalidDSN(t *testing.T) {
	db, err := NewDB(context.Background(), "://not-a-dsn")
	if err == nil {
		t.Fatal("expected error for unparsable dsn")
	}
	if db != nil {
		t.Fatal("db must be nil when the pool cannot be opened")
	}
}

func TestNewDBUnreachableStillReturnsHandle(t *testing.T) {
	db, err := NewDB(context.Background(), "postgres://u:p@127.0.0.1:1/presenca?sslmode=disable")
	if err == nil {
		t.Fatal("expected ping error for unreachable server")
	}
	// The pool opened; callers may keep it and retry once the database is up.
	if db == nil || db.Client == nil {
		t.Fatal("handle missing despite successful open")
	}
	_ = db.Close()
}
