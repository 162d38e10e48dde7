package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventSink struct {
	mutex  sync.Mutex
	events []ChangeEvent
}

func (s *eventSink) handle(events []ChangeEvent) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *eventSink) paths() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	var out []string
	for _, e := range s.events {
		out = append(out, e.Path)
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestWatcherSeesTomlChange(t *testing.T) {
	dir := t.TempDir()
	fw, err := NewFileWatcher(50*time.Millisecond, nil)
	require.NoError(t, err)
	defer fw.Stop()

	fw.AddFilter(TomlFilter)
	sink := &eventSink{}
	fw.AddHandler(sink.handle)
	require.NoError(t, fw.AddPath(dir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fw.Start(ctx)
	time.Sleep(50 * time.Millisecond)

	target := filepath.Join(dir, "user.toml")
	require.NoError(t, os.WriteFile(target, []byte("port = 1"), 0o644))

	waitFor(t, 3*time.Second, func() bool {
		for _, p := range sink.paths() {
			if p == target {
				return true
			}
		}
		return false
	})
}

func TestWatcherFiltersNonMatching(t *testing.T) {
	dir := t.TempDir()
	fw, err := NewFileWatcher(50*time.Millisecond, nil)
	require.NoError(t, err)
	defer fw.Stop()

	fw.AddFilter(TomlFilter)
	sink := &eventSink{}
	fw.AddHandler(sink.handle)
	require.NoError(t, fw.AddPath(dir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fw.Start(ctx)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, sink.paths())
}

func TestWatcherDebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	fw, err := NewFileWatcher(150*time.Millisecond, nil)
	require.NoError(t, err)
	defer fw.Stop()

	sink := &eventSink{}
	fw.AddHandler(sink.handle)
	require.NoError(t, fw.AddPath(dir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fw.Start(ctx)
	time.Sleep(50 * time.Millisecond)

	target := filepath.Join(dir, "user.toml")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(target, []byte{byte('0' + i)}, 0o644))
		time.Sleep(20 * time.Millisecond)
	}

	waitFor(t, 3*time.Second, func() bool { return len(sink.paths()) >= 1 })
	time.Sleep(300 * time.Millisecond)

	// bursts collapse: far fewer deliveries than writes
	assert.Less(t, len(sink.paths()), 5)
}

func TestValidatePathRejectsTraversal(t *testing.T) {
	fw, err := NewFileWatcher(10*time.Millisecond, nil)
	require.NoError(t, err)
	defer fw.Stop()

	err = fw.AddPath("specs/../../etc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "traversal")
}

func TestFilters(t *testing.T) {
	assert.True(t, TomlFilter("svc/user.toml"))
	assert.False(t, TomlFilter("svc/run.sh"))
	assert.True(t, SpecFilter("specs/redis.spec"))
	assert.True(t, SpecFilter("specs/redis.toml"))
	assert.True(t, NoHiddenFilter("specs/redis.toml"))
	assert.False(t, NoHiddenFilter("specs/.redis.toml.swp"))
	assert.False(t, NoHiddenFilter("specs/redis.toml~"))
}
