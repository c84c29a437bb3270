// Package quarantine is the per-item circuit breaker. Items accumulating too
// many consecutive errors are parked so automatic runs stop wasting retries
// on them; an operator restores them explicitly.
//
// The engine owns the event log and the stats document. Item status and error
// counters live in the library registry; the engine reads them and writes
// status only when quarantining or restoring.
package quarantine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"curator/internal/eventbus"
	"curator/internal/library"
	"curator/internal/storage"
	logx "curator/pkg/logx"
)

type Config struct {
	// Threshold is the consecutive-error count that trips quarantine
	// (default 10). WarnThreshold marks items worth a heads-up before they
	// trip (default 7). Both come from the one config section; nothing else
	// in the tree hardcodes them.
	Threshold     int
	WarnThreshold int
	// MaxEvents bounds the persisted event log (default 1000).
	MaxEvents int
	// ResetSchedule is a standard cron expression for the daily counter
	// reset (default "0 0 * * *").
	ResetSchedule string

	Registry *library.Registry
	Store    storage.Store
	Bus      eventbus.Bus
	Log      logx.Logger

	// Now is a test hook; defaults to time.Now.
	Now func() time.Time
}

func (c Config) normalized() Config {
	if c.Threshold <= 0 {
		c.Threshold = 10
	}
	if c.WarnThreshold <= 0 {
		c.WarnThreshold = 7
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = 1000
	}
	if c.ResetSchedule == "" {
		c.ResetSchedule = "0 0 * * *"
	}
	if c.Log.IsZero() {
		c.Log = logx.Nop()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Engine evaluates thresholds and keeps the quarantine ledger. The registry
// has its own lock; the engine never calls into it while holding its own.
type Engine struct {
	cfg Config
	log logx.Logger

	mu     sync.Mutex
	events []Event
	stats  Stats
}

func New(cfg Config) *Engine {
	cfg = cfg.normalized()
	e := &Engine{
		cfg: cfg,
		log: cfg.Log.With(logx.String("component", "quarantine")),
	}
	e.stats.ByCollection = map[string]int{}
	e.restore()
	return e
}

func (e *Engine) now() time.Time { return e.cfg.Now() }

// Threshold reports the active trip level.
func (e *Engine) Threshold() int { return e.cfg.Threshold }

// WarnThreshold reports the active warning level.
func (e *Engine) WarnThreshold() int { return e.cfg.WarnThreshold }

// CheckAndQuarantine sweeps every collection and parks ACTIVE items whose
// consecutive-error counter reached the threshold. Each trip produces exactly
// one event; items already parked are untouched, so a re-check is a no-op.
// Returns the items parked by this sweep.
func (e *Engine) CheckAndQuarantine() []library.ItemRef {
	now := e.now()

	var tripped []library.ItemRef
	for _, col := range e.cfg.Registry.Collections() {
		items, err := e.cfg.Registry.ItemsByCollection(col.Name)
		if err != nil {
			e.log.Warn("quarantine sweep skipped collection", logx.Collection(col.Name), logx.Err(err))
			continue
		}
		for _, it := range items {
			if it.Status != library.StatusActive || it.ConsecutiveErrors < e.cfg.Threshold {
				continue
			}
			if err := e.cfg.Registry.SetStatus(col.Name, it.ID, library.StatusQuarantined); err != nil {
				e.log.Warn("quarantine status flip failed",
					logx.Collection(col.Name), logx.Target(it.ID), logx.Err(err))
				continue
			}
			it.Status = library.StatusQuarantined
			tripped = append(tripped, library.ItemRef{Collection: col.Name, Item: it})
		}
	}

	e.mu.Lock()
	t := now
	e.stats.LastCheckAt = &t
	e.rollDayLocked(now)
	e.stats.AutoQuarantinesToday += len(tripped)
	var evs []Event
	for _, ref := range tripped {
		ev := Event{
			Target:     ref.Item.ID,
			Collection: ref.Collection,
			Action:     ActionQuarantined,
			ErrorCount: ref.Item.ConsecutiveErrors,
			At:         now,
			Reason:     fmt.Sprintf("automatic quarantine after %d consecutive errors", ref.Item.ConsecutiveErrors),
		}
		e.appendEventLocked(ev)
		evs = append(evs, ev)
	}
	docs := e.snapshotDocsLocked()
	e.mu.Unlock()

	e.persist(docs)
	for i, ev := range evs {
		e.publish(eventbus.TopicQuarantineAdded, ev)
		e.audit(tripped[i], ev)
		e.log.Warn("item quarantined",
			logx.Target(ev.Target),
			logx.Collection(ev.Collection),
			logx.Int("consecutive_errors", ev.ErrorCount),
		)
	}
	return tripped
}

// Restore brings a QUARANTINED item back to ACTIVE with a fresh error
// counter. Returns false, with no event, for items that are missing or not
// quarantined.
func (e *Engine) Restore(collection, id, actor, reason string) bool {
	now := e.now()
	if actor == "" {
		actor = "operator"
	}
	if reason == "" {
		reason = "manual restore"
	}

	it, ok := e.cfg.Registry.Item(collection, id)
	if !ok || it.Status != library.StatusQuarantined {
		e.log.Warn("restore rejected",
			logx.Collection(collection), logx.Target(id), logx.Bool("found", ok))
		return false
	}
	if err := e.cfg.Registry.ResetErrorCount(collection, id); err != nil {
		e.log.Warn("restore counter reset failed", logx.Target(id), logx.Err(err))
		return false
	}
	if err := e.cfg.Registry.SetStatus(collection, id, library.StatusActive); err != nil {
		e.log.Warn("restore status flip failed", logx.Target(id), logx.Err(err))
		return false
	}

	ev := Event{
		Target:     id,
		Collection: collection,
		Action:     ActionManualRestore,
		At:         now,
		Reason:     reason,
		Actor:      actor,
	}
	e.mu.Lock()
	e.appendEventLocked(ev)
	e.rollDayLocked(now)
	e.stats.ManualRestoresToday++
	docs := e.snapshotDocsLocked()
	e.mu.Unlock()

	e.persist(docs)
	e.publish(eventbus.TopicQuarantineRestore, ev)
	e.audit(library.ItemRef{Collection: collection, Item: it}, ev)
	e.log.Info("item restored from quarantine", logx.Target(id), logx.String("actor", actor))
	return true
}

// IsQuarantined reports whether the item currently sits in quarantine.
func (e *Engine) IsQuarantined(collection, id string) bool {
	it, ok := e.cfg.Registry.Item(collection, id)
	return ok && it.Status == library.StatusQuarantined
}

// ListQuarantined returns every parked item across collections.
func (e *Engine) ListQuarantined() []library.ItemRef {
	var out []library.ItemRef
	for _, col := range e.cfg.Registry.Collections() {
		items, err := e.cfg.Registry.ItemsByCollection(col.Name)
		if err != nil {
			continue
		}
		for _, it := range items {
			if it.Status == library.StatusQuarantined {
				out = append(out, library.ItemRef{Collection: col.Name, Item: it})
			}
		}
	}
	return out
}

// NearThreshold returns ACTIVE items at or past the warning level.
func (e *Engine) NearThreshold() []library.ItemRef {
	return e.cfg.Registry.NearThreshold(e.cfg.WarnThreshold)
}

// History returns the most recent events, newest first. limit <= 0 means all.
func (e *Engine) History(limit int) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.events)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Event, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, e.events[i])
	}
	return out
}

// Stats recomputes occupancy from the registry and merges in the counters.
func (e *Engine) Stats() Stats {
	parked := e.ListQuarantined()

	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.stats
	st.TotalQuarantined = len(parked)
	st.ByCollection = map[string]int{}
	for _, ref := range parked {
		st.ByCollection[ref.Collection]++
	}
	e.stats.TotalQuarantined = st.TotalQuarantined
	return st
}

// ResetDailyCounters zeroes the per-day counters. Runs from the maintenance
// loop at each scheduled tick.
func (e *Engine) ResetDailyCounters() {
	now := e.now()
	e.mu.Lock()
	e.stats.AutoQuarantinesToday = 0
	e.stats.ManualRestoresToday = 0
	e.stats.CountersDay = now.Format("2006-01-02")
	docs := e.snapshotDocsLocked()
	e.mu.Unlock()

	e.persist(docs)
	e.log.Info("daily quarantine counters reset")
}

// MaintenanceLoop sleeps until each scheduled reset and fires it. Meant to
// run under the supervisor; returns when ctx is done.
func (e *Engine) MaintenanceLoop(ctx context.Context) error {
	sched, err := cron.ParseStandard(e.cfg.ResetSchedule)
	if err != nil {
		return fmt.Errorf("parse reset schedule %q: %w", e.cfg.ResetSchedule, err)
	}
	for {
		next := sched.Next(e.now())
		timer := time.NewTimer(next.Sub(e.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			e.ResetDailyCounters()
		}
	}
}

func (e *Engine) appendEventLocked(ev Event) {
	e.events = append(e.events, ev)
	if len(e.events) > e.cfg.MaxEvents {
		e.events = e.events[len(e.events)-e.cfg.MaxEvents:]
	}
}

// rollDayLocked zeroes the daily counters when the day changed since they
// were last touched. Covers restarts that skip the midnight tick.
func (e *Engine) rollDayLocked(now time.Time) {
	day := now.Format("2006-01-02")
	if e.stats.CountersDay == day {
		return
	}
	if e.stats.CountersDay != "" {
		e.stats.AutoQuarantinesToday = 0
		e.stats.ManualRestoresToday = 0
	}
	e.stats.CountersDay = day
}

type docSet struct {
	// events marshals as a bare array, newest last.
	events []Event
	stats  *Stats
}

func (e *Engine) snapshotDocsLocked() docSet {
	if e.cfg.Store == nil {
		return docSet{}
	}
	evs := make([]Event, len(e.events))
	copy(evs, e.events)
	st := e.stats
	st.ByCollection = make(map[string]int, len(e.stats.ByCollection))
	for k, v := range e.stats.ByCollection {
		st.ByCollection[k] = v
	}
	return docSet{events: evs, stats: &st}
}

func (e *Engine) persist(ds docSet) {
	if e.cfg.Store == nil {
		return
	}
	if ds.events != nil {
		if b, err := json.Marshal(ds.events); err == nil {
			if err := e.cfg.Store.PutDoc(storage.DocQuarantineEvents, b); err != nil {
				e.log.Warn("persist quarantine events failed", logx.Err(err))
			}
		}
	}
	if ds.stats != nil {
		if b, err := json.Marshal(ds.stats); err == nil {
			if err := e.cfg.Store.PutDoc(storage.DocQuarantineStats, b); err != nil {
				e.log.Warn("persist quarantine stats failed", logx.Err(err))
			}
		}
	}
}

func (e *Engine) restore() {
	if e.cfg.Store == nil {
		return
	}
	if b, ok, err := e.cfg.Store.GetDoc(storage.DocQuarantineEvents); err == nil && ok {
		var evs []Event
		if err := json.Unmarshal(b, &evs); err == nil {
			e.events = evs
		} else {
			e.log.Warn("decode quarantine events failed", logx.Err(err))
		}
	}
	if b, ok, err := e.cfg.Store.GetDoc(storage.DocQuarantineStats); err == nil && ok {
		var st Stats
		if err := json.Unmarshal(b, &st); err == nil {
			if st.ByCollection == nil {
				st.ByCollection = map[string]int{}
			}
			e.stats = st
			e.rollDayLocked(e.now())
		} else {
			e.log.Warn("decode quarantine stats failed", logx.Err(err))
		}
	}
}

func (e *Engine) publish(topic string, ev Event) {
	if e.cfg.Bus == nil {
		return
	}
	e.cfg.Bus.Publish(eventbus.Event{Type: topic, Data: ev})
}

func (e *Engine) audit(ref library.ItemRef, ev Event) {
	if e.cfg.Store == nil {
		return
	}
	actor := ev.Actor
	if actor == "" {
		actor = "auto"
	}
	meta, _ := json.Marshal(map[string]any{"error_count": ev.ErrorCount, "reason": ev.Reason})
	err := e.cfg.Store.AppendAudit(storage.AuditEntry{
		At:         ev.At,
		Actor:      actor,
		Action:     ev.Action,
		Target:     ref.Item.ID,
		Collection: ref.Collection,
		MetaJSON:   string(meta),
	})
	if err != nil {
		e.log.Warn("audit append failed", logx.Err(err))
	}
}
