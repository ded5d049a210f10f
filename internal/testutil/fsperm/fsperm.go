// Package fsperm holds test assertions for files that must stay private to the node user.
package fsperm

import (
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// AssertPrivateFile checks that path is a regular file readable only by its owner and that
// its parent directory is closed to other users.
func AssertPrivateFile(t testing.TB, path string) {
	t.Helper()
	assertMode(t, path, false, 0o600)
	assertMode(t, filepath.Dir(path), true, 0o700)
}

func AssertPrivateDir(t testing.TB, dir string) {
	t.Helper()
	assertMode(t, dir, true, 0o700)
}

func assertMode(t testing.TB, path string, wantDir bool, want fs.FileMode) {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	if info.IsDir() != wantDir {
		t.Fatalf("%s: dir=%v, want dir=%v", path, info.IsDir(), wantDir)
	}
	if runtime.GOOS == "windows" {
		return
	}
	if perm := info.Mode().Perm(); perm != want {
		t.Fatalf("%s: perm %04o, want %04o", path, perm, want)
	}
}
