package lockfile

import (
	"os"
	"path/filepath"
	"testing"
)

func withConfigDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CLAUDE_CONFIG_DIR", dir)
	return dir
}

func TestDirUsesConfigEnv(t *testing.T) {
	base := withConfigDir(t)
	dir, err := Dir()
	if err != nil {
		t.Fatalf("Dir() error = %v", err)
	}
	if dir != filepath.Join(base, "ide") {
		t.Errorf("Dir() = %s, want %s", dir, filepath.Join(base, "ide"))
	}
}

func TestWriteCreatesDirectoryAndFile(t *testing.T) {
	withConfigDir(t)

	data := Data{PID: 1234, WorkspaceFolders: []string{"/tmp/proj"}, IDEName: "Neovim", Transport: "ws", AuthToken: "tok"}
	if err := Write(50123, data); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if !Exists(50123) {
		t.Fatal("Exists() = false after Write()")
	}

	got, err := Read(50123)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got.PID != 1234 || got.AuthToken != "tok" {
		t.Errorf("Read() = %+v", got)
	}
}

func TestWriteIsAtomicNoLeftoverTempFile(t *testing.T) {
	base := withConfigDir(t)
	data := Data{PID: 1, AuthToken: "x"}
	if err := Write(50456, data); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(base, "ide", "50456.lock.tmp")); !os.IsNotExist(err) {
		t.Error("temp file should not remain after a successful Write()")
	}
}

func TestRemove(t *testing.T) {
	withConfigDir(t)
	_ = Write(50789, Data{PID: 1})
	if err := Remove(50789); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if Exists(50789) {
		t.Error("Exists() = true after Remove()")
	}
}

func TestRemoveMissingIsNotAnError(t *testing.T) {
	withConfigDir(t)
	if err := Remove(59999); err != nil {
		t.Errorf("Remove() on missing file error = %v, want nil", err)
	}
}

func TestListSkipsInvalidStems(t *testing.T) {
	base := withConfigDir(t)
	dir := filepath.Join(base, "ide")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	_ = Write(50111, Data{PID: 1})
	if err := os.WriteFile(filepath.Join(dir, "not-a-port.lock"), []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}

	entries, err := List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Port != 50111 {
		t.Errorf("entries = %+v, want exactly port 50111", entries)
	}
}

func TestCleanupStaleRemovesDeadPID(t *testing.T) {
	withConfigDir(t)
	// A pid this large is virtually certain not to exist.
	_ = Write(50222, Data{PID: 1 << 30})
	_ = Write(50333, Data{PID: os.Getpid()})

	cleaned, err := CleanupStale()
	if err != nil {
		t.Fatalf("CleanupStale() error = %v", err)
	}
	if len(cleaned) != 1 || cleaned[0] != 50222 {
		t.Errorf("cleaned = %v, want [50222]", cleaned)
	}
	if !Exists(50333) {
		t.Error("live pid's lock file should survive cleanup")
	}
}

func TestWorkspaceFoldersFallsBackToCwd(t *testing.T) {
	got := WorkspaceFolders(nil)
	cwd, _ := os.Getwd()
	if len(got) != 1 || got[0] != cwd {
		t.Errorf("WorkspaceFolders(nil) = %v, want [%s]", got, cwd)
	}
}

func TestWorkspaceFoldersPassesThroughExplicit(t *testing.T) {
	got := WorkspaceFolders([]string{"/a", "/b"})
	if len(got) != 2 || got[0] != "/a" {
		t.Errorf("WorkspaceFolders() = %v", got)
	}
}
