package buspath

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDirCreatesUnderHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	dir, err := Dir()
	if err != nil {
		t.Fatalf("Dir: %v", err)
	}
	if want := filepath.Join(home, dirName); dir != want {
		t.Fatalf("Dir() = %q, want %q", dir, want)
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("stat created dir: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("Dir() did not create a directory")
	}
}

func TestFileJoinsDirAndName(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	path, err := File(SessionSocketName)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if want := filepath.Join(home, dirName, SessionSocketName); path != want {
		t.Fatalf("File() = %q, want %q", path, want)
	}
}
