package watcher

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type recorder struct {
	mu    sync.Mutex
	files []string
	got   chan string
}

func newRecorder() *recorder {
	return &recorder{got: make(chan string, 16)}
}

func (r *recorder) handle(ctx context.Context, path string) error {
	r.mu.Lock()
	r.files = append(r.files, filepath.Base(path))
	r.mu.Unlock()
	r.got <- filepath.Base(path)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.files)
}

func fastOptions(dir string) Options {
	return Options{Dir: dir, Pattern: "*.crx, *.ZIP", Debounce: 20 * time.Millisecond, Settle: 10 * time.Millisecond}
}

func TestMatchPattern(t *testing.T) {
	fw := &FileWatcher{patterns: splitPatterns("*.crx, *.ZIP")}
	assert.True(t, fw.matchPattern("ext.crx"))
	assert.True(t, fw.matchPattern("EXT.CRX"))
	assert.True(t, fw.matchPattern("bundle.zip"))
	assert.False(t, fw.matchPattern("ext.crx.part"))
	assert.False(t, fw.matchPattern("notes.txt"))

	all := &FileWatcher{patterns: splitPatterns("")}
	assert.True(t, all.matchPattern("anything"))
}

func TestFileWatcher_DetectsNewPackage(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()

	fw, err := NewFileWatcher(fastOptions(dir), rec.handle, quietLogger())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, fw.Start(ctx))
	defer fw.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ext.crx"), []byte("Cr24 payload"), 0o644))

	select {
	case name := <-rec.got:
		assert.Equal(t, "ext.crx", name)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not report the new package")
	}

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, rec.count(), "create and write events are debounced into one")
}

func TestFileWatcher_ScanExisting(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "old.zip"), []byte("PK"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.crx"), nil, 0o644))

	rec := newRecorder()
	opts := fastOptions(dir)
	opts.ScanExisting = true
	fw, err := NewFileWatcher(opts, rec.handle, quietLogger())
	require.NoError(t, err)
	require.NoError(t, fw.Start(context.Background()))

	select {
	case name := <-rec.got:
		assert.Equal(t, "old.zip", name)
	case <-time.After(3 * time.Second):
		t.Fatal("existing file was not processed")
	}

	// 空文件永远不会就绪，Stop 会中断等待
	require.NoError(t, fw.Stop())
	assert.NoError(t, fw.Stop())
	assert.Equal(t, 1, rec.count())
}

func TestNewFileWatcher_CreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "inbox", "nested")
	fw, err := NewFileWatcher(Options{Dir: dir}, func(context.Context, string) error { return nil }, quietLogger())
	require.NoError(t, err)
	defer fw.Stop()

	assert.DirExists(t, dir)
	assert.Equal(t, dir, fw.Dir())
}
