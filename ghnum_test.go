package main

import (
	"path/filepath"
	"testing"
)

func TestLedgerAllocateSkipsInUseAndConsumed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yml")
	l, err := OpenLedger(path)
	assert(t, err == nil).Fatalf("OpenLedger() error = %v", err)

	first := l.Allocate(map[int]bool{})
	assert(t, first == 1).Errorf("first Allocate() = %d, want 1", first)

	second := l.Allocate(map[int]bool{2: true})
	assert(t, second == 3).Errorf("second Allocate() with 2 in-use = %d, want 3", second)

	l.MarkLanded(3)
	third := l.Allocate(map[int]bool{})
	assert(t, third == 4).Errorf("third Allocate() after landing 3 = %d, want 4", third)
}

func TestLedgerPersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yml")
	l, err := OpenLedger(path)
	assert(t, err == nil).Fatalf("OpenLedger() error = %v", err)

	n := l.Allocate(map[int]bool{})
	assert(t, err == nil).Fatalf("Allocate() error = %v", err)
	assert(t, l.Save() == nil).Fatalf("Save() failed")

	reopened, err := OpenLedger(path)
	assert(t, err == nil).Fatalf("re-OpenLedger() error = %v", err)
	next := reopened.Allocate(map[int]bool{})
	assert(t, next == n+1).Errorf("Allocate() after reopen = %d, want %d", next, n+1)
}

func TestLedgerOpenMissingFileStartsAtOne(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist", "state.yml")
	l, err := OpenLedger(path)
	assert(t, err == nil).Fatalf("OpenLedger() on missing file error = %v", err)
	assert(t, l.Allocate(map[int]bool{}) == 1).Errorf("expected first allocation to be 1")
}
