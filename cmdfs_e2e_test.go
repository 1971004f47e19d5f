package cmdfs_test

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"syscall"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/gwangyi/cmdfs"
	"github.com/gwangyi/cmdfs/internal/config"
)

func TestE2E(t *testing.T) {
	if _, err := os.Stat("/dev/fuse"); os.IsNotExist(err) {
		t.Skip("skipping e2e test: /dev/fuse not found")
	}

	// Create temp directories
	tmpDir := t.TempDir()
	srcDir := filepath.Join(tmpDir, "src")
	mntDir := filepath.Join(tmpDir, "mnt")

	for _, dir := range []string{srcDir, mntDir, filepath.Join(srcDir, "docs"), filepath.Join(srcDir, "empty")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
	}
	files := map[string]string{
		"hello.txt":      "hello world",
		"docs/notes.txt": "one two three",
		"image.png":      "png",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(srcDir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	opts := config.Options{
		Command:       "wc -w",
		Extension:     "txt",
		HideEmptyDirs: true,
		LinkThru:      true,
		CacheDir:      filepath.Join(tmpDir, "cache"),
	}
	m, err := opts.Build(srcDir, mntDir)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	f, err := cmdfs.New(m, cmdfs.Logger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer f.Close()

	// Mount
	server, err := f.Mount(mntDir)
	if err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	defer func() {
		if err := server.Unmount(); err != nil {
			t.Errorf("Unmount failed: %v", err)
		}
	}()

	// Wait for mount
	if err := server.WaitMount(); err != nil {
		t.Fatalf("WaitMount failed: %v", err)
	}

	// 1. Read generated file
	data, err := os.ReadFile(filepath.Join(mntDir, "hello.txt"))
	if err != nil {
		t.Errorf("ReadFile failed: %v", err)
	} else if string(data) != "2\n" {
		t.Errorf("ReadFile content mismatch: got %q, want '2\\n'", string(data))
	}
	data, err = os.ReadFile(filepath.Join(mntDir, "docs", "notes.txt"))
	if err != nil || string(data) != "3\n" {
		t.Errorf("ReadFile docs/notes.txt = %q, %v", data, err)
	}

	// 2. List directory
	entries, err := os.ReadDir(mntDir)
	if err != nil {
		t.Errorf("ReadDir failed: %v", err)
	} else {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		if want := []string{"docs", "hello.txt", "image.png"}; !slices.Equal(names, want) {
			t.Errorf("ReadDir = %v, want %v", names, want)
		}
	}

	// 3. Link-through symlink
	fi, err := os.Lstat(filepath.Join(mntDir, "image.png"))
	if err != nil {
		t.Errorf("Lstat link failed: %v", err)
	} else if fi.Mode()&os.ModeSymlink == 0 {
		t.Error("Lstat link: expected symlink mode")
	}
	target, err := os.Readlink(filepath.Join(mntDir, "image.png"))
	if err != nil || target != filepath.Join(m.Source, "image.png") {
		t.Errorf("Readlink = %q, %v", target, err)
	}

	// 4. Writes are refused
	err = os.WriteFile(filepath.Join(mntDir, "new.txt"), []byte("x"), 0644)
	if !errors.Is(err, syscall.EROFS) {
		t.Errorf("WriteFile error = %v, want EROFS", err)
	}

	// 5. Unlink deletes the source file
	if err := os.Remove(filepath.Join(mntDir, "hello.txt")); err != nil {
		t.Errorf("Remove failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(srcDir, "hello.txt")); !os.IsNotExist(err) {
		t.Errorf("source file still present: %v", err)
	}
}
