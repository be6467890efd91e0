// internal/uevent/monitor_test.go
package uevent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/solatis/usbwarden/internal/types"
)

// failingSource simulates a socket stuck in a permanent error state.
type failingSource struct {
	mu    sync.Mutex
	reads int
}

func (f *failingSource) ReadMsg() ([]byte, error) {
	f.mu.Lock()
	f.reads++
	f.mu.Unlock()
	return nil, errors.New("no buffer space available")
}

func (f *failingSource) Close() error { return nil }

func (f *failingSource) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

type discardSink struct{}

func (discardSink) ProcessEvent(context.Context, types.DeviceEvent) {}
func (discardSink) ReportException(_, _, _ string)                  {}

func TestMonitorBacksOffOnPersistentReadError(t *testing.T) {
	src := &failingSource{}
	m := &Monitor{
		conn:    src,
		sysfs:   NewSysfsReader(t.TempDir()),
		sink:    discardSink{},
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		limiter: rate.NewLimiter(rate.Limit(1), 5),
	}

	m.Start()
	time.Sleep(350 * time.Millisecond)
	require.NoError(t, m.Stop())

	// The retry delay bounds the loop to a handful of reads per second; an
	// unthrottled loop would get through thousands.
	assert.Less(t, src.readCount(), 10)
}

func TestMonitorStopUnblocksFailingRead(t *testing.T) {
	m := &Monitor{
		conn:    &failingSource{},
		sysfs:   NewSysfsReader(t.TempDir()),
		sink:    discardSink{},
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		limiter: rate.NewLimiter(rate.Limit(1), 5),
	}

	m.Start()

	done := make(chan error, 1)
	go func() { done <- m.Stop() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not unblock the read loop")
	}
}
