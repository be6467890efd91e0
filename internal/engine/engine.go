// internal/engine/engine.go
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/solatis/usbwarden/internal/metric"
	"github.com/solatis/usbwarden/internal/rules"
	"github.com/solatis/usbwarden/internal/types"
)

/*
 * Policy engine orchestration.
 *
 * Concurrency discipline: a single RWMutex serializes all mutations of the
 * rule set and the device record table (single writer at a time); read-only
 * operations take the read lock and may run concurrently with each other
 * but never overlap a mutation. Notifications are published while the write
 * lock is held, so subscribers observe them in mutation commit order and
 * never before the corresponding record mutation is durable in memory.
 *
 * Enforcement (device manager I/O) runs outside the table lock in its own
 * goroutine with a per-device mutex, so a blocking kernel write for device
 * A never delays evaluation of an event for device B. The enforcement
 * goroutine re-reads the record's current target before applying, which
 * makes enforcement convergent when a later event or override supersedes
 * an in-flight call.
 *
 * Failure policy: enforcement failures keep the intended target recorded
 * and surface as ExceptionMessage; unexpected panics during event
 * processing drop that event and keep the engine running. Every region
 * holding e.mu releases it by defer, so a recovered panic never strands
 * the lock. No error in this engine is process-fatal.
 */

// Present-device policies applied to devices already connected at startup.
const (
	PresentApplyPolicy = "apply-policy" // evaluate against the rule set
	PresentAllow       = "allow"
	PresentBlock       = "block"
	PresentKeep        = "keep" // record as pending, do not enforce
)

// Config carries the engine's policy knobs. DefaultTarget is the implicit
// target applied when no rule matches; the daemon documents block as its
// shipped default.
type Config struct {
	DefaultTarget       types.Target
	PresentDevicePolicy string
	RuleFile            string // write-through rule persistence; empty disables
	EnforcementTimeout  time.Duration
}

// Engine owns the rule set and the device record table.
type Engine struct {
	cfg      Config
	devmgr   DeviceManager
	log      *slog.Logger
	metrics  *metric.Metrics
	notifier *notifier

	mu           sync.RWMutex
	rules        *rules.RuleSet
	devices      map[types.DeviceID]*DeviceRecord
	byPath       map[string]types.DeviceID
	nextDeviceID types.DeviceID

	enforceMu    sync.Mutex
	enforceLocks map[string]*sync.Mutex
	enforceWG    sync.WaitGroup
}

// New creates an engine around a preloaded rule set. A nil set starts empty
// with the configured default target; metrics may be nil.
func New(cfg Config, set *rules.RuleSet, dm DeviceManager, log *slog.Logger, metrics *metric.Metrics) *Engine {
	if cfg.EnforcementTimeout <= 0 {
		cfg.EnforcementTimeout = 5 * time.Second
	}
	if set == nil {
		set = rules.NewRuleSet(cfg.DefaultTarget)
	}
	e := &Engine{
		cfg:          cfg,
		devmgr:       dm,
		log:          log,
		metrics:      metrics,
		notifier:     newNotifier(log),
		rules:        set,
		devices:      make(map[types.DeviceID]*DeviceRecord),
		byPath:       make(map[string]types.DeviceID),
		nextDeviceID: 1,
		enforceLocks: make(map[string]*sync.Mutex),
	}
	if metrics != nil {
		metrics.RulesLoaded.Set(float64(set.Len()))
	}
	return e
}

// Close waits for in-flight enforcement calls and closes all notification
// subscriptions.
func (e *Engine) Close() {
	e.enforceWG.Wait()
	e.notifier.close()
}

// Subscribe implements Interface.
func (e *Engine) Subscribe(buffer int) (<-chan Notification, func()) {
	return e.notifier.subscribe(buffer)
}

// AppendRule implements Interface.
func (e *Engine) AppendRule(spec string, parentID types.RuleID) (types.RuleID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, err := e.rules.Append(spec, parentID)
	if err != nil {
		return 0, err
	}
	e.rulesChangedLocked()
	return id, nil
}

// RemoveRule implements Interface. Removal never retroactively changes
// targets already applied to device records.
func (e *Engine) RemoveRule(id types.RuleID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.rules.Remove(id); err != nil {
		return err
	}
	e.rulesChangedLocked()
	return nil
}

// ListRules implements Interface.
func (e *Engine) ListRules(query string) []types.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rules.Query(query)
}

// ApplyDevicePolicy implements Interface.
func (e *Engine) ApplyDevicePolicy(ctx context.Context, id types.DeviceID, target types.Target, permanent bool) (types.RuleID, error) {
	if !target.IsPolicy() {
		return 0, fmt.Errorf("%w: %s", types.ErrInvalidTarget, target)
	}

	ruleID, err := e.commitPolicyOverride(id, target, permanent)
	if err != nil {
		return 0, err
	}

	e.enforceAsync(id)
	return ruleID, nil
}

func (e *Engine) commitPolicyOverride(id types.DeviceID, target types.Target, permanent bool) (types.RuleID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.devices[id]
	if !ok {
		return 0, types.ErrUnknownDevice
	}

	old := rec.Target
	rec.Target = target
	rec.MatchedRuleID = 0 // override, not rule evaluation

	var ruleID types.RuleID
	if permanent {
		synthesized := types.Rule{
			Target:     target,
			Conditions: identityConditions(rec.Attributes),
		}
		// Insert with parent 0 cannot fail.
		ruleID, _ = e.rules.Insert(synthesized, 0)
		e.rulesChangedLocked()
	}

	if old != target {
		e.notifier.publish(Notification{
			Kind: NotifyDevicePolicy,
			DevicePolicy: &DevicePolicyChanged{
				DeviceID:   rec.ID,
				OldTarget:  old.String(),
				NewTarget:  target.String(),
				DeviceRule: rec.ruleText(),
				RuleID:     ruleID,
			},
		})
	}
	return ruleID, nil
}

// ListDevices implements Interface.
func (e *Engine) ListDevices(query string) []types.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []types.Rule
	for _, rec := range e.devices {
		shape := rec.ruleShape()
		if deviceMatchesQuery(shape, query) {
			out = append(out, shape)
		}
	}
	sortRecords(out)
	return out
}

// ProcessEvent handles one device event from the external event source.
// Autonomous path: errors surface via ExceptionMessage and logs, never as
// return values, and never terminate the engine.
func (e *Engine) ProcessEvent(ctx context.Context, ev types.DeviceEvent) {
	defer func() {
		if r := recover(); r != nil {
			// A single bad event must not halt the evaluation loop.
			e.log.Error("panic during event processing, event dropped",
				"syspath", ev.SysPath, "panic", r)
			e.ReportException("event-processing", ev.SysPath, fmt.Sprintf("panic: %v", r))
		}
	}()

	if e.metrics != nil {
		e.metrics.EventsProcessed.WithLabelValues(ev.Type.String()).Inc()
	}

	switch ev.Type {
	case types.EventInsert, types.EventUpdate:
		e.handleUpsert(ev)
	case types.EventRemove:
		e.handleRemove(ev)
	default:
		e.ReportException("event-processing", ev.SysPath,
			fmt.Sprintf("unknown event type %d", ev.Type))
	}
}

// ProcessPresentDevice handles a device that was already connected when the
// daemon started, applying the configured present-device policy.
func (e *Engine) ProcessPresentDevice(ctx context.Context, ev types.DeviceEvent) {
	switch e.cfg.PresentDevicePolicy {
	case "", PresentApplyPolicy:
		e.ProcessEvent(ctx, ev)
		return
	case PresentAllow:
		e.insertWithFixedTarget(ev, types.TargetAllow, true)
	case PresentBlock:
		e.insertWithFixedTarget(ev, types.TargetBlock, true)
	case PresentKeep:
		e.insertWithFixedTarget(ev, types.TargetPending, false)
	default:
		e.ProcessEvent(ctx, ev)
	}
}

// ReportException publishes an ExceptionMessage notification. Used by the
// engine itself and by boundary collaborators (event source) for
// recoverable failures with no synchronous caller.
func (e *Engine) ReportException(context, object, reason string) {
	if e.metrics != nil {
		e.metrics.ExceptionsEmitted.Inc()
	}
	e.notifier.publish(Notification{
		Kind:      NotifyException,
		Exception: &ExceptionMessage{Context: context, Object: object, Reason: reason},
	})
}

func (e *Engine) handleUpsert(ev types.DeviceEvent) {
	id := e.commitUpsert(ev)
	e.enforceAsync(id)
}

// commitUpsert mutates the record table and publishes under the write lock.
// The unlock is deferred: ProcessEvent recovers panics, and a recovered
// panic must leave the lock free.
func (e *Engine) commitUpsert(ev types.DeviceEvent) types.DeviceID {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec := e.lookupOrCreateLocked(ev.SysPath)
	old := rec.Target

	// Update re-enters Pending before re-evaluation.
	rec.Attributes = ev.Attributes
	rec.Target = types.TargetPending

	res := e.rules.Evaluate(ev.Attributes)
	rec.Target = res.Target
	rec.MatchedRuleID = res.RuleID

	text := rec.ruleText()

	// A target is "changed" only relative to a previously decided one;
	// the initial assignment is carried by the presence notification.
	if old.IsPolicy() && old != rec.Target {
		e.notifier.publish(Notification{
			Kind: NotifyDevicePolicy,
			DevicePolicy: &DevicePolicyChanged{
				DeviceID:   rec.ID,
				OldTarget:  old.String(),
				NewTarget:  rec.Target.String(),
				DeviceRule: text,
				RuleID:     res.RuleID,
			},
		})
	}
	e.notifier.publish(Notification{
		Kind: NotifyDevicePresence,
		DevicePresence: &DevicePresenceChanged{
			DeviceID:   rec.ID,
			Event:      ev.Type.String(),
			Target:     rec.Target.String(),
			DeviceRule: text,
		},
	})
	return rec.ID
}

func (e *Engine) handleRemove(ev types.DeviceEvent) {
	if !e.commitRemove(ev) {
		e.ReportException("event-processing", ev.SysPath, "remove event for unknown device")
		return
	}
	e.dropDeviceMutex(ev.SysPath)
}

func (e *Engine) commitRemove(ev types.DeviceEvent) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, ok := e.byPath[ev.SysPath]
	if !ok {
		return false
	}
	rec := e.devices[id]
	text := rec.ruleText()
	prior := rec.Target

	delete(e.devices, id)
	delete(e.byPath, ev.SysPath)
	if e.metrics != nil {
		e.metrics.DevicesPresent.Set(float64(len(e.devices)))
	}

	e.notifier.publish(Notification{
		Kind: NotifyDevicePresence,
		DevicePresence: &DevicePresenceChanged{
			DeviceID:   id,
			Event:      ev.Type.String(),
			Target:     prior.String(),
			DeviceRule: text,
		},
	})
	return true
}

func (e *Engine) insertWithFixedTarget(ev types.DeviceEvent, target types.Target, enforce bool) {
	id := e.commitFixedTarget(ev, target)
	if enforce {
		e.enforceAsync(id)
	}
}

func (e *Engine) commitFixedTarget(ev types.DeviceEvent, target types.Target) types.DeviceID {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec := e.lookupOrCreateLocked(ev.SysPath)
	rec.Attributes = ev.Attributes
	rec.Target = target
	rec.MatchedRuleID = 0

	e.notifier.publish(Notification{
		Kind: NotifyDevicePresence,
		DevicePresence: &DevicePresenceChanged{
			DeviceID:   rec.ID,
			Event:      types.EventInsert.String(),
			Target:     target.String(),
			DeviceRule: rec.ruleText(),
		},
	})
	return rec.ID
}

// lookupOrCreateLocked returns the live record for a sys path, creating one
// with a fresh monotonic device id when unseen. Caller holds the write lock.
func (e *Engine) lookupOrCreateLocked(sysPath string) *DeviceRecord {
	if id, ok := e.byPath[sysPath]; ok {
		return e.devices[id]
	}
	rec := &DeviceRecord{
		ID:      e.nextDeviceID,
		SysPath: sysPath,
		Target:  types.TargetPending,
	}
	e.nextDeviceID++
	e.devices[rec.ID] = rec
	e.byPath[sysPath] = rec.ID
	if e.metrics != nil {
		e.metrics.DevicesPresent.Set(float64(len(e.devices)))
	}
	return rec
}

// rulesChangedLocked persists the rule set and refreshes the rule gauge.
// Caller holds the write lock. Persistence failures are reported, never
// propagated: the in-memory rule set is authoritative.
func (e *Engine) rulesChangedLocked() {
	if e.metrics != nil {
		e.metrics.RulesLoaded.Set(float64(e.rules.Len()))
	}
	if e.cfg.RuleFile == "" {
		return
	}
	if err := rules.SaveFile(e.cfg.RuleFile, e.rules); err != nil {
		e.log.Error("failed to persist rule set", "path", e.cfg.RuleFile, "error", err)
		e.ReportException("rule-persistence", e.cfg.RuleFile, err.Error())
	}
}

// enforceAsync applies the device's current target through the device
// manager without holding the table lock. The per-device mutex serializes
// enforcement for one device; re-reading the target at apply time makes a
// superseded call converge to the latest intended state.
func (e *Engine) enforceAsync(id types.DeviceID) {
	e.enforceWG.Add(1)
	go func() {
		defer e.enforceWG.Done()

		e.mu.RLock()
		rec, ok := e.devices[id]
		var sysPath string
		var target types.Target
		if ok {
			sysPath = rec.SysPath
			target = rec.Target
		}
		e.mu.RUnlock()

		if !ok || !target.IsPolicy() {
			return
		}

		mu := e.deviceMutex(sysPath)
		mu.Lock()
		defer mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.EnforcementTimeout)
		defer cancel()

		if err := e.devmgr.ApplyTarget(ctx, sysPath, target); err != nil {
			// Intended target stays recorded; the divergence is visible
			// to clients through the exception, not hidden.
			if e.metrics != nil {
				e.metrics.EnforcementFailures.Inc()
			}
			e.log.Warn("enforcement failed",
				"device_id", id, "target", target.String(), "error", err)
			e.ReportException("enforcement", fmt.Sprintf("device %d", id),
				fmt.Errorf("%w: %v", types.ErrEnforcementFailure, err).Error())
			return
		}
		if e.metrics != nil {
			e.metrics.TargetsApplied.WithLabelValues(target.String()).Inc()
		}
	}()
}

// deviceMutex returns the enforcement mutex for a sys path, creating it if
// absent.
func (e *Engine) deviceMutex(sysPath string) *sync.Mutex {
	e.enforceMu.Lock()
	defer e.enforceMu.Unlock()
	if _, ok := e.enforceLocks[sysPath]; !ok {
		e.enforceLocks[sysPath] = &sync.Mutex{}
	}
	return e.enforceLocks[sysPath]
}

func (e *Engine) dropDeviceMutex(sysPath string) {
	e.enforceMu.Lock()
	defer e.enforceMu.Unlock()
	delete(e.enforceLocks, sysPath)
}

// deviceMatchesQuery applies the shared listing filter to a rule-shaped
// device projection: empty = all, target keyword = target filter, anything
// else = case-insensitive substring over the canonical text.
func deviceMatchesQuery(shape types.Rule, query string) bool {
	query = strings.TrimSpace(query)
	if query == "" {
		return true
	}
	if target, err := types.ParseTarget(query); err == nil {
		return shape.Target == target
	}
	return strings.Contains(strings.ToLower(rules.Format(shape)), strings.ToLower(query))
}
