package app

import (
	"context"
	"errors"
	"fmt"

	"curator/internal/eventbus"
	"curator/internal/notify"
	"curator/internal/queue"
	"curator/internal/quarantine"
	"curator/internal/scheduler"
	logx "curator/pkg/logx"
)

// startBridge subscribes the notifier to core events: quarantine changes,
// terminal job failures and scheduler start/stop. The bridge always runs; a
// disabled notifier rejects the sends cheaply, so toggling notifications via
// config needs no re-wiring.
func (a *App) startBridge() {
	events, unsub := a.bus.Subscribe(64)
	a.sup.Go0("notify.bridge", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.bridgeEvent(c, e)
			}
		}
	})
}

func (a *App) bridgeEvent(ctx context.Context, e eventbus.Event) {
	switch e.Type {
	case eventbus.TopicQuarantineAdded:
		ev, ok := e.Data.(quarantine.Event)
		if !ok {
			return
		}
		a.send(ctx, notify.Notification{
			Priority: 9,
			Title:    "Item quarantined",
			Text:     fmt.Sprintf("%s/%s pulled from rotation after %d consecutive errors", ev.Collection, ev.Target, ev.ErrorCount),
			Meta:     map[string]string{"collection": ev.Collection, "target": ev.Target},
		})

	case eventbus.TopicQuarantineRestore:
		ev, ok := e.Data.(quarantine.Event)
		if !ok {
			return
		}
		text := fmt.Sprintf("%s/%s returned to rotation by %s", ev.Collection, ev.Target, ev.Actor)
		if ev.Reason != "" {
			text += ": " + ev.Reason
		}
		a.send(ctx, notify.Notification{
			Priority: 5,
			Title:    "Item restored",
			Text:     text,
			Meta:     map[string]string{"collection": ev.Collection, "target": ev.Target},
		})

	case eventbus.TopicJobFailed, eventbus.TopicJobExpired:
		// The queue only publishes these for terminal outcomes; retryable
		// failures stay internal.
		j, ok := e.Data.(queue.Job)
		if !ok {
			return
		}
		title := "Update failed"
		if e.Type == eventbus.TopicJobExpired {
			title = "Update timed out"
		}
		a.send(ctx, notify.Notification{
			Priority: 7,
			Title:    title,
			Text:     fmt.Sprintf("%s/%s: %s", j.Collection, j.TargetID, j.ErrorMessage),
			Meta:     map[string]string{"collection": j.Collection, "target": j.TargetID, "job": j.ID},
		})
		a.warnNearThreshold(ctx, j.Collection, j.TargetID)

	case eventbus.TopicSchedulerState:
		sc, ok := e.Data.(scheduler.StateChange)
		if !ok {
			return
		}
		// Only start/stop are worth a ping; the RUNNING<->PROCESSING flips
		// happen on every job.
		switch {
		case sc.From == scheduler.StateStopped:
			a.send(ctx, notify.Notification{Priority: 5, Title: "Scheduler started", Text: "automatic updates are on"})
		case sc.To == scheduler.StateStopped:
			a.send(ctx, notify.Notification{Priority: 5, Title: "Scheduler stopped", Text: "automatic updates are off"})
		}
	}
}

// warnNearThreshold pings while an item sits in the warning band below the
// quarantine threshold. Called after terminal failures, so the count here is
// usually the post-increment value.
func (a *App) warnNearThreshold(ctx context.Context, collection, target string) {
	it, ok := a.registry.Item(collection, target)
	if !ok {
		return
	}
	warn, limit := a.quar.WarnThreshold(), a.quar.Threshold()
	if warn <= 0 || limit <= 0 {
		return
	}
	if it.ConsecutiveErrors < warn || it.ConsecutiveErrors >= limit {
		return
	}
	a.send(ctx, notify.Notification{
		Priority: 7,
		Title:    "Item near quarantine",
		Text:     fmt.Sprintf("%s/%s at %d of %d consecutive errors", collection, target, it.ConsecutiveErrors, limit),
		Meta:     map[string]string{"collection": collection, "target": target},
	})
}

func (a *App) send(ctx context.Context, n notify.Notification) {
	err := a.notif.Notify(ctx, n)
	switch {
	case err == nil:
	case errors.Is(err, notify.ErrDisabled), errors.Is(err, notify.ErrStopped):
	default:
		a.log.Debug("bridge notification dropped", logx.String("title", n.Title), logx.Err(err))
	}
}
