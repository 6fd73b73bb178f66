package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"testing"
)

// engineFactory lets the contract tests run against every engine.
type engineFactory func(t *testing.T) Store

func engines() map[string]engineFactory {
	return map[string]engineFactory{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"file": func(t *testing.T) Store {
			s, err := NewFileStore(t.TempDir())
			if err != nil {
				t.Fatalf("NewFileStore failed: %v", err)
			}
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
			if err != nil {
				t.Fatalf("OpenSQLite failed: %v", err)
			}
			return s
		},
	}
}

func TestEngineContract(t *testing.T) {
	for name, factory := range engines() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()
			ctx := context.Background()

			if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get(missing) = %v, want ErrNotFound", err)
			}

			if err := s.Set(ctx, "k", []byte("v1")); err != nil {
				t.Fatalf("Set failed: %v", err)
			}
			got, err := s.Get(ctx, "k")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if string(got) != "v1" {
				t.Errorf("Get = %q, want v1", got)
			}

			// Overwrite replaces the whole value.
			if err := s.Set(ctx, "k", []byte("v2")); err != nil {
				t.Fatalf("overwrite failed: %v", err)
			}
			got, err = s.Get(ctx, "k")
			if err != nil {
				t.Fatalf("Get after overwrite failed: %v", err)
			}
			if string(got) != "v2" {
				t.Errorf("Get = %q, want v2", got)
			}

			if err := s.Remove(ctx, "k"); err != nil {
				t.Fatalf("Remove failed: %v", err)
			}
			if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get after Remove = %v, want ErrNotFound", err)
			}

			// Removing an absent key is not an error.
			if err := s.Remove(ctx, "k"); err != nil {
				t.Errorf("Remove of absent key = %v, want nil", err)
			}
		})
	}
}

func TestFileStoreKeysWithUnsafeCharacters(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	key := "cache/locations:v2"
	if err := s.Set(ctx, key, []byte("payload")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("Get = %q", got)
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	if err := s.Set(ctx, "k", []byte("survives")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if string(got) != "survives" {
		t.Errorf("Get = %q, want survives", got)
	}
}

// brokenStore fails every operation, standing in for a dead engine.
type brokenStore struct{}

func (brokenStore) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, fmt.Errorf("engine unavailable")
}
func (brokenStore) Set(ctx context.Context, key string, value []byte) error {
	return fmt.Errorf("engine unavailable")
}
func (brokenStore) Remove(ctx context.Context, key string) error {
	return fmt.Errorf("engine unavailable")
}
func (brokenStore) Close() error { return nil }

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestChainRequiresEngine(t *testing.T) {
	if _, err := NewChain(quietLogger()); err == nil {
		t.Fatal("NewChain with no engines should fail")
	}
}

func TestChainFallsThroughOnFailure(t *testing.T) {
	mem := NewMemoryStore()
	chain, err := NewChain(quietLogger(), brokenStore{}, mem)
	if err != nil {
		t.Fatalf("NewChain failed: %v", err)
	}
	defer chain.Close()

	ctx := context.Background()
	if err := chain.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Set through chain failed: %v", err)
	}

	// The value landed in the fallback engine.
	got, err := mem.Get(ctx, "k")
	if err != nil {
		t.Fatalf("fallback engine missing value: %v", err)
	}
	if string(got) != "v" {
		t.Errorf("fallback value = %q", got)
	}

	got, err = chain.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get through chain failed: %v", err)
	}
	if string(got) != "v" {
		t.Errorf("chain value = %q", got)
	}
}

func TestChainAllEnginesFail(t *testing.T) {
	chain, err := NewChain(quietLogger(), brokenStore{}, brokenStore{})
	if err != nil {
		t.Fatalf("NewChain failed: %v", err)
	}

	ctx := context.Background()
	if err := chain.Set(ctx, "k", []byte("v")); err == nil {
		t.Error("Set should fail when every engine fails")
	}
	if _, err := chain.Get(ctx, "k"); err == nil {
		t.Error("Get should fail when every engine fails")
	}
}

func TestChainRemoveHitsEveryEngine(t *testing.T) {
	a := NewMemoryStore()
	b := NewMemoryStore()
	chain, err := NewChain(quietLogger(), a, b)
	if err != nil {
		t.Fatalf("NewChain failed: %v", err)
	}

	ctx := context.Background()
	// Seed both engines directly, simulating a value written during an
	// outage of the preferred engine.
	if err := a.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err := b.Set(ctx, "k", []byte("stale")); err != nil {
		t.Fatal(err)
	}

	if err := chain.Remove(ctx, "k"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := a.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Error("preferred engine still holds the key")
	}
	if _, err := b.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Error("fallback engine still holds the key")
	}
}

func TestChainGetMissReturnsNotFound(t *testing.T) {
	chain, err := NewChain(quietLogger(), NewMemoryStore(), NewMemoryStore())
	if err != nil {
		t.Fatalf("NewChain failed: %v", err)
	}
	if _, err := chain.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get = %v, want ErrNotFound", err)
	}
}
