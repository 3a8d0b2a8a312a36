package ptyhost

import (
	"context"
	"os"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBuffer_WrapsAndKeepsNewest(t *testing.T) {
	b := NewBuffer(8)
	_, _ = b.Write([]byte("abcdef"))
	assert.Equal(t, "abcdef", string(b.Bytes()))

	_, _ = b.Write([]byte("ghij"))
	assert.Equal(t, "cdefghij", string(b.Bytes()))

	_, _ = b.Write([]byte("0123456789"))
	assert.Equal(t, "23456789", string(b.Bytes()))
}

func TestBuffer_Tail(t *testing.T) {
	b := NewBuffer(1024)
	_, _ = b.Write([]byte("one\ntwo\nthree\nfour\n"))
	assert.Equal(t, "three\nfour", b.Tail(2))
	assert.Equal(t, "one\ntwo\nthree\nfour", b.Tail(10))
	assert.Equal(t, "one\ntwo\nthree\nfour\n", b.Tail(0))
}

func requirePTY(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("pty not supported on windows")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestManager_StartCaptureKill(t *testing.T) {
	requirePTY(t)
	m := NewManager(zap.NewNop())

	var mu sync.Mutex
	exited := ""
	p, err := m.Start(context.Background(), StartOptions{
		ID:      "t1",
		Command: "printf 'ready\\n'; sleep 30",
		Shell:   "/bin/sh",
		Dir:     t.TempDir(),
		OnExit: func(id string, _ error) {
			mu.Lock()
			exited = id
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, m.Len())

	waitFor(t, func() bool {
		out, _ := p.Capture(context.Background(), 10)
		return strings.Contains(out, "ready")
	})

	require.NoError(t, p.Resize(context.Background(), 100, 30))
	cols, rows := p.Size()
	assert.Equal(t, 100, cols)
	assert.Equal(t, 30, rows)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Kill(ctx))

	<-p.Done()
	mu.Lock()
	assert.Equal(t, "t1", exited)
	mu.Unlock()
	_, ok := m.Get("t1")
	assert.False(t, ok)
	assert.ErrorIs(t, p.Write(context.Background(), []byte("x")), ErrClosed)
	assert.NoError(t, p.Kill(ctx))
}

func TestProcess_KillWithCancelledContextReapsProcess(t *testing.T) {
	requirePTY(t)
	m := NewManager(nil)

	p, err := m.Start(context.Background(), StartOptions{
		ID:      "t3",
		Command: "trap '' HUP; printf 'ready\\n'; sleep 30",
		Shell:   "/bin/sh",
	})
	require.NoError(t, err)
	waitFor(t, func() bool {
		out, _ := p.Capture(context.Background(), 10)
		return strings.Contains(out, "ready")
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, p.Kill(ctx))

	select {
	case <-p.Done():
	default:
		t.Fatal("Kill returned before the process was reaped")
	}
	waitFor(t, func() bool { return m.Len() == 0 })
}

func TestManager_ProcessExitsOnItsOwn(t *testing.T) {
	requirePTY(t)
	m := NewManager(nil)

	p, err := m.Start(context.Background(), StartOptions{ID: "t2", Command: "exit 0", Shell: "/bin/sh"})
	require.NoError(t, err)

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	waitFor(t, func() bool { return m.Len() == 0 })
}

func TestManager_DuplicateID(t *testing.T) {
	requirePTY(t)
	m := NewManager(nil)

	p, err := m.Start(context.Background(), StartOptions{ID: "dup", Command: "sleep 30", Shell: "/bin/sh"})
	require.NoError(t, err)
	defer func() { _ = p.Detach() }()

	_, err = m.Start(context.Background(), StartOptions{ID: "dup", Command: "true", Shell: "/bin/sh"})
	assert.Error(t, err)
}

func TestManager_RejectsCancelledContext(t *testing.T) {
	m := NewManager(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Start(ctx, StartOptions{ID: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}
