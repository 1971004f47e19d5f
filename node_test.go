package cmdfs_test

import (
	"context"
	"fmt"
	"io"
	"path"
	"slices"
	"strings"
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap/zaptest"

	"github.com/gwangyi/cmdfs"
	"github.com/gwangyi/cmdfs/internal/command"
	"github.com/gwangyi/cmdfs/internal/config"
	"github.com/gwangyi/cmdfs/internal/mock"
)

type nodeOperations interface {
	fs.InodeEmbedder
	fs.NodeGetattrer
	fs.NodeLookuper
	fs.NodeReaddirer
	fs.NodeOpener
	fs.NodeCreater
	fs.NodeMkdirer
	fs.NodeUnlinker
	fs.NodeRmdirer
	fs.NodeSymlinker
	fs.NodeReadlinker
	fs.NodeRenamer
	fs.NodeSetattrer
}

type testFS struct {
	src    afero.Fs
	runner *mock.MockRunner
	fs     *cmdfs.FS
}

// setup builds a view of an in-memory source tree holding files.
func setup(t *testing.T, m config.Mount, files map[string]string, opts ...cmdfs.Option) *testFS {
	t.Helper()
	ctrl := gomock.NewController(t)
	src := afero.NewMemMapFs()
	for name, content := range files {
		name = "/" + name
		if err := src.MkdirAll(path.Dir(name), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := afero.WriteFile(src, name, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	m.Source = "/src"
	if m.HasCommand() {
		m.CacheDir = t.TempDir()
	}
	runner := mock.NewMockRunner(ctrl)
	opts = append([]cmdfs.Option{
		cmdfs.SourceFS(src),
		cmdfs.Runner(runner),
		cmdfs.Logger(zaptest.NewLogger(t)),
	}, opts...)
	f, err := cmdfs.New(m, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return &testFS{src: src, runner: runner, fs: f}
}

func MakeNode(t *testing.T, f *cmdfs.FS, p string) nodeOperations {
	t.Helper()
	root := f.Root()
	_ = fs.NewNodeFS(root, &fs.Options{})
	node := root.(nodeOperations)
	if p == "." || p == "" {
		return node
	}
	for _, name := range strings.Split(p, "/") {
		child, errno := node.Lookup(t.Context(), name, &fuse.EntryOut{})
		if errno != 0 {
			t.Fatalf("Lookup(%s) failed: %v", name, errno)
		}
		node = child.Operations().(nodeOperations)
	}
	return node
}

// wordCount behaves like "wc -w" in filter mode.
func wordCount(_ context.Context, _ string, src command.Source) ([]byte, error) {
	r, err := src.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("%d\n", len(strings.Fields(string(data))))), nil
}

func readAll(t *testing.T, h fs.FileHandle) string {
	t.Helper()
	dest := make([]byte, 4096)
	res, errno := h.(fs.FileReader).Read(t.Context(), dest, 0)
	if errno != 0 {
		t.Fatalf("Read failed: %v", errno)
	}
	data, _ := res.Bytes(dest)
	return string(data)
}

func TestNode_Basic(t *testing.T) {
	tf := setup(t, config.Mount{}, map[string]string{"hello.txt": "hello world"})
	ctx := t.Context()
	node := MakeNode(t, tf.fs, "hello.txt")

	var out fuse.AttrOut
	if errno := node.Getattr(ctx, nil, &out); errno != 0 {
		t.Errorf("Getattr failed: %v", errno)
	}
	if out.Size != 11 {
		t.Errorf("expected size 11, got %d", out.Size)
	}
	if out.Mode != syscall.S_IFREG|0o644 {
		t.Errorf("expected mode %o, got %o", syscall.S_IFREG|0o644, out.Mode)
	}

	handle, flags, errno := node.Open(ctx, uint32(syscall.O_RDONLY))
	if errno != 0 {
		t.Fatalf("Open failed: %v", errno)
	}
	if flags&fuse.FOPEN_KEEP_CACHE == 0 {
		t.Errorf("passthrough file opened without FOPEN_KEEP_CACHE: %#x", flags)
	}
	if got := readAll(t, handle); got != "hello world" {
		t.Errorf("expected 'hello world', got '%s'", got)
	}
	if errno := handle.(fs.FileReleaser).Release(ctx); errno != 0 {
		t.Errorf("Release failed: %v", errno)
	}
}

func TestNode_Generated(t *testing.T) {
	tf := setup(t, config.Mount{Command: "wc -w"}, map[string]string{"doc": "one two three four five"})
	tf.runner.EXPECT().Run(gomock.Any(), "wc -w", gomock.Any()).DoAndReturn(wordCount).Times(1)
	ctx := t.Context()

	var entry fuse.EntryOut
	root := MakeNode(t, tf.fs, ".")
	child, errno := root.Lookup(ctx, "doc", &entry)
	if errno != 0 {
		t.Fatalf("Lookup failed: %v", errno)
	}
	if entry.Size != 2 {
		t.Errorf("lookup size = %d, want generated size 2", entry.Size)
	}
	if entry.Mode != syscall.S_IFREG|0o444 {
		t.Errorf("lookup mode = %o, want read-only", entry.Mode)
	}

	node := child.Operations().(nodeOperations)
	handle, flags, errno := node.Open(ctx, uint32(syscall.O_RDONLY))
	if errno != 0 {
		t.Fatalf("Open failed: %v", errno)
	}
	if flags&fuse.FOPEN_DIRECT_IO == 0 {
		t.Errorf("generated file opened without FOPEN_DIRECT_IO: %#x", flags)
	}
	if got := readAll(t, handle); got != "5\n" {
		t.Errorf("content = %q, want %q", got, "5\n")
	}

	var out fuse.AttrOut
	if errno := node.Getattr(ctx, handle, &out); errno != 0 || out.Size != 2 {
		t.Errorf("Getattr with handle = %d, %v", out.Size, errno)
	}
	handle.(fs.FileReleaser).Release(ctx)
}

func TestNode_StatPassthrough(t *testing.T) {
	tf := setup(t, config.Mount{Command: "wc -w", StatPassthrough: true}, map[string]string{"doc": "a b c"})
	tf.runner.EXPECT().Run(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(wordCount).Times(1)
	ctx := t.Context()

	node := MakeNode(t, tf.fs, "doc")
	var out fuse.AttrOut
	if errno := node.Getattr(ctx, nil, &out); errno != 0 || out.Size != 5 {
		t.Errorf("Getattr before read = %d, %v; want source size 5", out.Size, errno)
	}
	handle, _, errno := node.Open(ctx, uint32(syscall.O_RDONLY))
	if errno != 0 {
		t.Fatalf("Open failed: %v", errno)
	}
	handle.(fs.FileReleaser).Release(ctx)
	if errno := node.Getattr(ctx, nil, &out); errno != 0 || out.Size != 2 {
		t.Errorf("Getattr after read = %d, %v; want generated size 2", out.Size, errno)
	}
}

func TestNode_Readdir(t *testing.T) {
	tf := setup(t, config.Mount{Extensions: []string{"txt"}, HideEmptyDirs: true}, map[string]string{
		"a.txt":        "a",
		"b.txt":        "b",
		"c.bin":        "c",
		"docs/d.txt":   "d",
		"images/e.png": "e",
	})
	ctx := t.Context()
	node := MakeNode(t, tf.fs, ".")

	stream, errno := node.Readdir(ctx)
	if errno != 0 {
		t.Fatalf("Readdir failed: %v", errno)
	}
	defer stream.Close()

	modes := map[string]uint32{}
	for stream.HasNext() {
		entry, errno := stream.Next()
		if errno != 0 {
			t.Fatalf("Next failed: %v", errno)
		}
		modes[entry.Name] = entry.Mode
	}

	var names []string
	for name := range modes {
		names = append(names, name)
	}
	slices.Sort(names)
	if want := []string{"a.txt", "b.txt", "docs"}; !slices.Equal(names, want) {
		t.Errorf("entries = %v, want %v", names, want)
	}
	if modes["docs"]&syscall.S_IFMT != syscall.S_IFDIR {
		t.Errorf("docs mode = %o, want directory", modes["docs"])
	}
	if modes["a.txt"]&syscall.S_IFMT != syscall.S_IFREG {
		t.Errorf("a.txt mode = %o, want regular", modes["a.txt"])
	}
}

func TestNode_Readdir_LinkThrough(t *testing.T) {
	tf := setup(t, config.Mount{Extensions: []string{"txt"}, LinkThrough: true}, map[string]string{
		"a.txt": "a",
		"c.bin": "c",
	})
	node := MakeNode(t, tf.fs, ".")
	stream, errno := node.Readdir(t.Context())
	if errno != 0 {
		t.Fatalf("Readdir failed: %v", errno)
	}
	defer stream.Close()

	modes := map[string]uint32{}
	for stream.HasNext() {
		entry, _ := stream.Next()
		modes[entry.Name] = entry.Mode
	}
	if len(modes) != 2 || modes["c.bin"]&syscall.S_IFMT != syscall.S_IFLNK {
		t.Errorf("entries = %v, want c.bin as a symlink", modes)
	}
}

func TestNode_Readdir_Gone(t *testing.T) {
	tf := setup(t, config.Mount{}, map[string]string{"dir/file": "x"})
	node := MakeNode(t, tf.fs, "dir")
	if err := tf.src.RemoveAll("/dir"); err != nil {
		t.Fatal(err)
	}
	if _, errno := node.Readdir(t.Context()); errno != syscall.ENOENT {
		t.Errorf("Readdir of a removed directory = %v, want ENOENT", errno)
	}
}

func TestNode_Operations(t *testing.T) {
	t.Run("Lookup_Hidden", func(t *testing.T) {
		tf := setup(t, config.Mount{Extensions: []string{"txt"}}, map[string]string{"a.bin": "x"})
		node := MakeNode(t, tf.fs, ".")
		if _, errno := node.Lookup(t.Context(), "a.bin", &fuse.EntryOut{}); errno != syscall.ENOENT {
			t.Errorf("Lookup of a filtered file = %v, want ENOENT", errno)
		}
		if _, errno := node.Lookup(t.Context(), "missing.txt", &fuse.EntryOut{}); errno != syscall.ENOENT {
			t.Errorf("Lookup of a missing file = %v, want ENOENT", errno)
		}
	})

	t.Run("Readlink", func(t *testing.T) {
		tf := setup(t, config.Mount{Extensions: []string{"txt"}, LinkThrough: true}, map[string]string{
			"a.txt":     "x",
			"image.png": "png",
		})
		ctx := t.Context()
		node := MakeNode(t, tf.fs, "image.png")

		link, errno := node.Readlink(ctx)
		if errno != 0 {
			t.Errorf("Readlink failed: %v", errno)
		}
		if string(link) != "/src/image.png" {
			t.Errorf("Readlink expected '/src/image.png', got '%s'", link)
		}
		var out fuse.AttrOut
		if errno := node.Getattr(ctx, nil, &out); errno != 0 || out.Mode&syscall.S_IFMT != syscall.S_IFLNK {
			t.Errorf("Getattr = %o, %v; want a symlink", out.Mode, errno)
		}

		regular := MakeNode(t, tf.fs, "a.txt")
		if _, errno := regular.Readlink(ctx); errno != syscall.EINVAL {
			t.Errorf("Readlink of a regular file = %v, want EINVAL", errno)
		}
	})

	t.Run("Unlink", func(t *testing.T) {
		tf := setup(t, config.Mount{}, map[string]string{"root/file": "x"})
		ctx := t.Context()
		node := MakeNode(t, tf.fs, "root")

		if errno := node.Unlink(ctx, "file"); errno != 0 {
			t.Errorf("Unlink failed: %v", errno)
		}
		if ok, _ := afero.Exists(tf.src, "/root/file"); ok {
			t.Error("source file survived Unlink")
		}
		if errno := node.Unlink(ctx, "file"); errno != syscall.ENOENT {
			t.Errorf("second Unlink = %v, want ENOENT", errno)
		}
	})

	t.Run("Open_Write", func(t *testing.T) {
		tf := setup(t, config.Mount{}, map[string]string{"file": "x"})
		node := MakeNode(t, tf.fs, "file")
		for _, flags := range []int{syscall.O_WRONLY, syscall.O_RDWR, syscall.O_RDONLY | syscall.O_TRUNC} {
			if _, _, errno := node.Open(t.Context(), uint32(flags)); errno != syscall.EROFS {
				t.Errorf("Open(%#x) = %v, want EROFS", flags, errno)
			}
		}
	})

	t.Run("ReadOnly", func(t *testing.T) {
		tf := setup(t, config.Mount{}, map[string]string{"dir/file": "x"})
		ctx := t.Context()
		node := MakeNode(t, tf.fs, "dir")

		if _, _, _, errno := node.Create(ctx, "new", 0, 0o644, &fuse.EntryOut{}); errno != syscall.EROFS {
			t.Errorf("Create = %v, want EROFS", errno)
		}
		if _, errno := node.Mkdir(ctx, "sub", 0o755, &fuse.EntryOut{}); errno != syscall.EROFS {
			t.Errorf("Mkdir = %v, want EROFS", errno)
		}
		if errno := node.Rmdir(ctx, "sub"); errno != syscall.EROFS {
			t.Errorf("Rmdir = %v, want EROFS", errno)
		}
		if _, errno := node.Symlink(ctx, "file", "link", &fuse.EntryOut{}); errno != syscall.EROFS {
			t.Errorf("Symlink = %v, want EROFS", errno)
		}
		if errno := node.Rename(ctx, "file", node, "moved", 0); errno != syscall.EROFS {
			t.Errorf("Rename = %v, want EROFS", errno)
		}
		in := &fuse.SetAttrIn{}
		in.Valid = fuse.FATTR_MODE
		in.Mode = 0o600
		if errno := node.Setattr(ctx, nil, in, &fuse.AttrOut{}); errno != syscall.EROFS {
			t.Errorf("Setattr = %v, want EROFS", errno)
		}
		if ok, _ := afero.Exists(tf.src, "/dir/file"); !ok {
			t.Error("source changed by a refused operation")
		}
	})

	t.Run("Open_CommandFailure", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		tf := setup(t, config.Mount{Command: "false"}, map[string]string{"doc": "x"}, cmdfs.Metrics(reg))
		tf.runner.EXPECT().Run(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil, &command.ExecutionError{Command: "false", ExitCode: 1}).AnyTimes()

		node := MakeNode(t, tf.fs, ".")
		if _, errno := node.Lookup(t.Context(), "doc", &fuse.EntryOut{}); errno != syscall.EIO {
			t.Errorf("Lookup = %v, want EIO", errno)
		}
		if n, err := testutil.GatherAndCount(reg, "cmdfs_errors_total"); err != nil || n != 1 {
			t.Errorf("error series = %d, %v; want 1", n, err)
		}
	})
}

func TestNode_MirrorOwner(t *testing.T) {
	tf := setup(t, config.Mount{}, map[string]string{"file": "x"}, cmdfs.MirrorOwner(), cmdfs.MirrorGroup())
	node := MakeNode(t, tf.fs, "file")

	caller := &fuse.Caller{Owner: fuse.Owner{Uid: 1234, Gid: 5678}}
	ctx := fuse.NewContext(t.Context(), caller)
	var out fuse.AttrOut
	if errno := node.Getattr(ctx, nil, &out); errno != 0 {
		t.Fatalf("Getattr failed: %v", errno)
	}
	if out.Uid != 1234 || out.Gid != 5678 {
		t.Errorf("owner = %d:%d, want 1234:5678", out.Uid, out.Gid)
	}
}
