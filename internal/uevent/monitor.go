// internal/uevent/monitor.go
package uevent

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/tomb.v2"

	"github.com/solatis/usbwarden/internal/types"
)

// EventSink is the engine-facing boundary of the monitor. Satisfied by
// *engine.Engine.
type EventSink interface {
	ProcessEvent(ctx context.Context, ev types.DeviceEvent)
	ReportException(context, object, reason string)
}

// msgSource is the kernel-facing boundary of the monitor. Satisfied by
// *Conn.
type msgSource interface {
	ReadMsg() ([]byte, error)
	Close() error
}

// readRetryDelay bounds the retry rate when the socket is in a persistent
// error state.
const readRetryDelay = 100 * time.Millisecond

// Monitor drives the netlink read loop and feeds decoded device events into
// the sink. The loop never stops on a bad message: parse and sysfs read
// failures are reported as exceptions, rate limited so a misbehaving device
// cannot flood subscribers.
type Monitor struct {
	conn    msgSource
	sysfs   *SysfsReader
	sink    EventSink
	log     *slog.Logger
	limiter *rate.Limiter
	tomb    tomb.Tomb
}

// NewMonitor connects to the kernel uevent source. Call Start to begin
// processing and Stop to shut down.
func NewMonitor(sysfs *SysfsReader, sink EventSink, log *slog.Logger) (*Monitor, error) {
	conn, err := Connect()
	if err != nil {
		return nil, err
	}
	return &Monitor{
		conn:  conn,
		sysfs: sysfs,
		sink:  sink,
		log:   log,
		// One exception report per second with small bursts; drops beyond
		// that are still counted in the logs at debug level.
		limiter: rate.NewLimiter(rate.Limit(1), 5),
	}, nil
}

// Start launches the read loop.
func (m *Monitor) Start() {
	m.tomb.Go(m.loop)
}

// Stop unblocks the read loop and waits for it to exit.
func (m *Monitor) Stop() error {
	m.tomb.Kill(nil)
	m.conn.Close()
	return m.tomb.Wait()
}

func (m *Monitor) loop() error {
	for {
		msg, err := m.conn.ReadMsg()
		if err != nil {
			select {
			case <-m.tomb.Dying():
				return nil
			default:
			}
			m.reportException("uevent-monitor", "netlink", err.Error())
			// A persistent socket error must not spin the loop.
			select {
			case <-m.tomb.Dying():
				return nil
			case <-time.After(readRetryDelay):
			}
			continue
		}

		ev, err := ParseUEvent(msg)
		if err != nil {
			m.reportException("uevent-monitor", "message", err.Error())
			continue
		}
		if !ev.IsUSBDevice() {
			continue
		}
		eventType, ok := ev.EventType()
		if !ok {
			continue
		}

		// The kernel devpath is relative to the sysfs mount.
		sysPath := "/sys" + ev.DevPath
		devEvent := types.DeviceEvent{Type: eventType, SysPath: sysPath}
		if eventType != types.EventRemove {
			attrs, err := m.sysfs.ReadAttributes(sysPath)
			if err != nil {
				// Device vanished between the uevent and the read, or its
				// descriptors violate a limit.
				m.reportException("uevent-monitor", sysPath, err.Error())
				continue
			}
			devEvent.Attributes = attrs
		}

		m.sink.ProcessEvent(m.tomb.Context(context.Background()), devEvent)
	}
}

func (m *Monitor) reportException(context, object, reason string) {
	if !m.limiter.Allow() {
		m.log.Debug("exception report rate limited",
			"context", context, "object", object, "reason", reason)
		return
	}
	m.log.Warn("event source failure", "context", context, "object", object, "reason", reason)
	m.sink.ReportException(context, object, reason)
}
