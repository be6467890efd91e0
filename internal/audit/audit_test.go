// internal/audit/audit_test.go
package audit

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solatis/usbwarden/internal/core/db"
	"github.com/solatis/usbwarden/internal/engine"
)

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "audit.db")
	conn, err := db.Open("sqlite://" + dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, db.MigrateUp(conn))

	queries, err := db.LoadQueries(conn)
	require.NoError(t, err)

	return NewRecorder(queries, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRecordPresence(t *testing.T) {
	rec := newTestRecorder(t)

	err := rec.Record(engine.Notification{
		Kind: engine.NotifyDevicePresence,
		DevicePresence: &engine.DevicePresenceChanged{
			DeviceID:   7,
			Event:      "insert",
			Target:     "allow",
			DeviceRule: `allow id 1234:5678 serial "SN1"`,
		},
	})
	require.NoError(t, err)

	events, err := rec.Recent(10)
	require.NoError(t, err)
	require.Len(t, events, 1)

	got := events[0]
	assert.Equal(t, "DevicePresenceChanged", got.Kind)
	assert.EqualValues(t, 7, got.DeviceID.Int64)
	assert.Equal(t, "insert", got.Event.String)
	assert.Equal(t, "allow", got.NewTarget.String)
	assert.False(t, got.RuleID.Valid)
	assert.NotEmpty(t, got.AuditID)
}

func TestRecordPolicyAndException(t *testing.T) {
	rec := newTestRecorder(t)

	require.NoError(t, rec.Record(engine.Notification{
		Kind: engine.NotifyDevicePolicy,
		DevicePolicy: &engine.DevicePolicyChanged{
			DeviceID:  3,
			OldTarget: "block",
			NewTarget: "allow",
			RuleID:    12,
		},
	}))
	require.NoError(t, rec.Record(engine.Notification{
		Kind: engine.NotifyException,
		Exception: &engine.ExceptionMessage{
			Context: "enforcement",
			Object:  "device 3",
			Reason:  "permission denied",
		},
	}))

	events, err := rec.Recent(10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	kinds := []string{events[0].Kind, events[1].Kind}
	assert.Contains(t, kinds, "DevicePolicyChanged")
	assert.Contains(t, kinds, "ExceptionMessage")
}

func TestRecordRejectsMissingPayload(t *testing.T) {
	rec := newTestRecorder(t)

	err := rec.Record(engine.Notification{Kind: engine.NotifyDevicePolicy})
	assert.Error(t, err)

	err = rec.Record(engine.Notification{Kind: "SomethingElse"})
	assert.Error(t, err)
}

func TestPurgeBefore(t *testing.T) {
	rec := newTestRecorder(t)

	require.NoError(t, rec.Record(engine.Notification{
		Kind:      engine.NotifyException,
		Exception: &engine.ExceptionMessage{Context: "c", Object: "o", Reason: "r"},
	}))

	n, err := rec.PurgeBefore(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 0, n, "recent events survive the purge")

	n, err = rec.PurgeBefore(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	events, err := rec.Recent(10)
	require.NoError(t, err)
	assert.Empty(t, events)
}
