package queue

import (
	"encoding/json"
	"sort"
	"time"

	"curator/internal/storage"
	logx "curator/pkg/logx"
)

// stateDoc mirrors the waiting and in-flight sets. Active jobs are persisted
// as-is; restore demotes them back to PENDING.
type stateDoc struct {
	QueueJobs  []Job     `json:"queueJobs"`
	ActiveJobs []Job     `json:"activeJobs"`
	Timestamp  time.Time `json:"timestamp"`
}

type historyDoc struct {
	Jobs []Job `json:"jobs"`
}

type docSet struct {
	state   *stateDoc
	metrics *Metrics
	history *historyDoc
}

// snapshotDocsLocked builds persistence payloads from the current state.
// Caller holds q.mu; the actual writes happen after release.
func (q *Queue) snapshotDocsLocked(withHistory bool) docSet {
	if q.cfg.Store == nil {
		return docSet{}
	}
	st := &stateDoc{
		QueueJobs:  make([]Job, 0, len(q.waiting)),
		ActiveJobs: make([]Job, 0, len(q.active)),
		Timestamp:  q.now(),
	}
	for _, j := range q.waiting {
		st.QueueJobs = append(st.QueueJobs, j.clone())
	}
	for _, j := range q.active {
		st.ActiveJobs = append(st.ActiveJobs, j.clone())
	}
	m := q.metrics
	m.ByPriority = make(map[string]int, len(q.metrics.ByPriority))
	for k, v := range q.metrics.ByPriority {
		m.ByPriority[k] = v
	}
	m.ByCollection = make(map[string]int, len(q.metrics.ByCollection))
	for k, v := range q.metrics.ByCollection {
		m.ByCollection[k] = v
	}
	ds := docSet{state: st, metrics: &m}
	if withHistory {
		keep := q.history
		if len(keep) > q.cfg.PersistedHistory {
			keep = keep[len(keep)-q.cfg.PersistedHistory:]
		}
		h := &historyDoc{Jobs: make([]Job, 0, len(keep))}
		for _, j := range keep {
			h.Jobs = append(h.Jobs, j.clone())
		}
		ds.history = h
	}
	return ds
}

// persist writes the snapshot documents. Failures are logged and dropped;
// in-memory state is already committed and is never rolled back.
func (q *Queue) persist(ds docSet) {
	if q.cfg.Store == nil {
		return
	}
	if ds.state != nil {
		if err := q.putDoc(storage.DocQueueState, ds.state); err != nil {
			q.log.Warn("persist queue state failed", logx.Err(err))
		}
	}
	if ds.metrics != nil {
		if err := q.putDoc(storage.DocQueueMetrics, ds.metrics); err != nil {
			q.log.Warn("persist queue metrics failed", logx.Err(err))
		}
	}
	if ds.history != nil {
		if err := q.putDoc(storage.DocQueueHistory, ds.history); err != nil {
			q.log.Warn("persist queue history failed", logx.Err(err))
		}
	}
}

func (q *Queue) putDoc(name string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return q.cfg.Store.PutDoc(name, b)
}

func (q *Queue) getDoc(name string, v any) bool {
	b, ok, err := q.cfg.Store.GetDoc(name)
	if err != nil {
		q.log.Warn("load document failed", logx.String("doc", name), logx.Err(err))
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(b, v); err != nil {
		q.log.Warn("decode document failed", logx.String("doc", name), logx.Err(err))
		return false
	}
	return true
}

// restore reloads persisted state on startup. Jobs that were in flight when
// the process died go back to PENDING with their start time cleared; id and
// retry count are untouched, so interrupted work re-runs from scratch.
func (q *Queue) restore() {
	if q.cfg.Store == nil {
		return
	}

	var st stateDoc
	if q.getDoc(storage.DocQueueState, &st) {
		for i := range st.QueueJobs {
			j := st.QueueJobs[i]
			q.seq++
			j.seq = q.seq
			q.waiting = append(q.waiting, &j)
		}
		demoted := 0
		for i := range st.ActiveJobs {
			j := st.ActiveJobs[i]
			j.State = StatePending
			j.StartedAt = nil
			q.seq++
			j.seq = q.seq
			q.waiting = append(q.waiting, &j)
			demoted++
		}
		if len(q.waiting) > 0 {
			q.log.Info("queue state restored",
				logx.Int("pending", len(q.waiting)),
				logx.Int("recovered", demoted),
			)
		}
	}

	var h historyDoc
	if q.getDoc(storage.DocQueueHistory, &h) {
		for i := range h.Jobs {
			j := h.Jobs[i]
			q.history = append(q.history, &j)
		}
	}

	var m Metrics
	if q.getDoc(storage.DocQueueMetrics, &m) {
		if m.ByPriority == nil {
			m.ByPriority = map[string]int{}
		}
		if m.ByCollection == nil {
			m.ByCollection = map[string]int{}
		}
		// Live counters reflect reality after recovery, not the crash moment.
		m.Pending = len(q.waiting)
		m.Processing = 0
		q.metrics = m
	} else {
		q.metrics.Pending = len(q.waiting)
	}
}

func sortJobs(jobs []Job) {
	sort.SliceStable(jobs, func(i, k int) bool {
		return (&jobs[i]).less(&jobs[k])
	})
}
