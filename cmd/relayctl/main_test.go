package main

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestIngestFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.json", "a.json", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0600); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "done.json"), 0700); err != nil {
		t.Fatal(err)
	}

	got, err := ingestFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{filepath.Join(dir, "a.json"), filepath.Join(dir, "b.json")}
	if !slices.Equal(got, want) {
		t.Errorf("ingestFiles(dir) = %v, want %v", got, want)
	}

	single := filepath.Join(dir, "notes.txt")
	if got, err := ingestFiles(single); err != nil || len(got) != 1 || got[0] != single {
		t.Errorf("ingestFiles(file) = %v, %v", got, err)
	}
	if _, err := ingestFiles(filepath.Join(dir, "missing")); err == nil {
		t.Error("missing path accepted")
	}
}
