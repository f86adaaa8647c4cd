//go:build unix

package pyramid

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/mrjoshuak/go-pyramid/compression"
	"github.com/mrjoshuak/go-pyramid/raster"
)

// exitedPID returns the PID of a child process that has already exited.
func exitedPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command(os.Args[0], "-test.run=^$")
	if err := cmd.Run(); err != nil {
		t.Fatal(err)
	}
	return cmd.ProcessState.Pid()
}

func TestBuildDeadHolderLock(t *testing.T) {
	dir := newContainer(t, rampArray(16, 16, 0), raster.Uint8, compression.None)
	name := filepath.Join(dir, lockFile)
	pid := exitedPID(t)
	if processAlive(pid) {
		t.Skipf("pid %d was reused", pid)
	}
	if err := os.WriteFile(name, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := Build(context.Background(), dir, Options{MaxDisplayLength: 8})
	if err != nil {
		t.Fatalf("Build() with dead holder: %v", err)
	}
	if res.Levels != 1 {
		t.Errorf("Levels = %d, want 1", res.Levels)
	}
	if _, err := os.Stat(name); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("lock file left behind: %v", err)
	}
}

func TestProcessAlive(t *testing.T) {
	if !processAlive(os.Getpid()) {
		t.Error("processAlive(self) = false")
	}
}
