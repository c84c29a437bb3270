// Package library is the registry of collections and the work items they
// track. It is the single writer of item status and error counters; the
// scheduler reports job outcomes here and the quarantine engine reads the
// counters it maintains.
//
// Each collection persists as one JSON document. Documents are cached in
// memory with a TTL so hand-edited files are picked up without a restart.
package library

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"curator/internal/storage"
	logx "curator/pkg/logx"
)

var (
	ErrCollectionNotFound = errors.New("collection not found")
	ErrItemNotFound       = errors.New("work item not found")
)

type Config struct {
	// CacheTTL bounds how long a loaded collection document is trusted
	// before it is re-read from the store (default 5m).
	CacheTTL time.Duration

	Store storage.Store
	Log   logx.Logger

	// Now is a test hook; defaults to time.Now.
	Now func() time.Time
}

func (c Config) normalized() Config {
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.Log.IsZero() {
		c.Log = logx.Nop()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type colEntry struct {
	doc      collectionDoc
	loadedAt time.Time
}

// Registry owns the in-memory view of every collection. One mutex serializes
// all access; document writes happen after release.
type Registry struct {
	cfg Config
	log logx.Logger

	mu   sync.Mutex
	cols map[string]*colEntry
}

func New(cfg Config) *Registry {
	cfg = cfg.normalized()
	return &Registry{
		cfg:  cfg,
		log:  cfg.Log.With(logx.String("component", "library")),
		cols: map[string]*colEntry{},
	}
}

func (r *Registry) now() time.Time { return r.cfg.Now() }

func validCollectionName(name string) error {
	if name == "" {
		return errors.New("collection name required")
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return fmt.Errorf("invalid collection name %q", name)
	}
	return nil
}

// colLocked returns the cached entry for name, reloading from the store when
// the cache entry is missing or older than CacheTTL. Caller holds r.mu.
func (r *Registry) colLocked(name string) (*colEntry, error) {
	if err := validCollectionName(name); err != nil {
		return nil, err
	}
	e, ok := r.cols[name]
	if ok && (r.cfg.Store == nil || r.now().Sub(e.loadedAt) < r.cfg.CacheTTL) {
		return e, nil
	}
	if r.cfg.Store == nil {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	b, found, err := r.cfg.Store.GetDoc(storage.DocLibraryPrefix + name)
	if err != nil {
		if ok {
			// Keep serving the stale copy rather than failing reads.
			r.log.Warn("collection reload failed", logx.Collection(name), logx.Err(err))
			return e, nil
		}
		return nil, err
	}
	if !found {
		if ok {
			// Document deleted behind our back; drop the cache entry.
			delete(r.cols, name)
		}
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	var doc collectionDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		if ok {
			r.log.Warn("collection decode failed", logx.Collection(name), logx.Err(err))
			return e, nil
		}
		return nil, fmt.Errorf("decode collection %s: %w", name, err)
	}
	if doc.Info.Name == "" {
		doc.Info.Name = name
	}
	e = &colEntry{doc: doc, loadedAt: r.now()}
	r.cols[name] = e
	return e, nil
}

// loadAllLocked brings every persisted collection into the cache. Caller
// holds r.mu.
func (r *Registry) loadAllLocked() {
	if r.cfg.Store == nil {
		return
	}
	names, err := r.cfg.Store.ListDocs(storage.DocLibraryPrefix)
	if err != nil {
		r.log.Warn("list collections failed", logx.Err(err))
		return
	}
	for _, docName := range names {
		name := strings.TrimPrefix(docName, storage.DocLibraryPrefix)
		if _, err := r.colLocked(name); err != nil {
			r.log.Warn("load collection failed", logx.Collection(name), logx.Err(err))
		}
	}
}

// persist writes a collection document. Called after r.mu is released;
// failures are logged, the in-memory state stands.
func (r *Registry) persist(name string, doc collectionDoc) {
	if r.cfg.Store == nil {
		return
	}
	b, err := json.Marshal(&doc)
	if err != nil {
		r.log.Warn("encode collection failed", logx.Collection(name), logx.Err(err))
		return
	}
	if err := r.cfg.Store.PutDoc(storage.DocLibraryPrefix+name, b); err != nil {
		r.log.Warn("persist collection failed", logx.Collection(name), logx.Err(err))
	}
}

// UpsertCollection creates or updates collection metadata, preserving items.
func (r *Registry) UpsertCollection(info Collection) error {
	if err := validCollectionName(info.Name); err != nil {
		return err
	}
	now := r.now()

	r.mu.Lock()
	e, err := r.colLocked(info.Name)
	if errors.Is(err, ErrCollectionNotFound) {
		e = &colEntry{loadedAt: now}
		r.cols[info.Name] = e
	} else if err != nil {
		r.mu.Unlock()
		return err
	}
	e.doc.Info = info
	e.doc.UpdatedAt = now
	cp := e.doc.clone()
	r.mu.Unlock()

	r.persist(info.Name, cp)
	return nil
}

// Collections lists known collection metadata sorted by name.
func (r *Registry) Collections() []Collection {
	r.mu.Lock()
	r.loadAllLocked()
	out := make([]Collection, 0, len(r.cols))
	for _, e := range r.cols {
		out = append(out, e.doc.Info)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MarkCollectionChecked stamps the collection's last automatic check time.
func (r *Registry) MarkCollectionChecked(name string) error {
	now := r.now()

	r.mu.Lock()
	e, err := r.colLocked(name)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	t := now
	e.doc.Info.LastCheckedAt = &t
	e.doc.UpdatedAt = now
	cp := e.doc.clone()
	r.mu.Unlock()

	r.persist(name, cp)
	return nil
}

// UpsertItem adds or replaces an item in a collection. A missing ID gets a
// generated one; a missing status defaults to ACTIVE. Returns the stored item.
func (r *Registry) UpsertItem(collection string, it WorkItem) (WorkItem, error) {
	if strings.TrimSpace(it.Title) == "" && it.ID == "" {
		return WorkItem{}, errors.New("work item needs an id or a title")
	}
	if it.Status == "" {
		it.Status = StatusActive
	}
	if !it.Status.Valid() {
		return WorkItem{}, fmt.Errorf("invalid item status %q", it.Status)
	}
	now := r.now()

	r.mu.Lock()
	e, err := r.colLocked(collection)
	if err != nil {
		r.mu.Unlock()
		return WorkItem{}, err
	}
	it.UpdatedAt = now
	if idx := findItem(e.doc.Items, it.ID); it.ID != "" && idx >= 0 {
		it.CreatedAt = e.doc.Items[idx].CreatedAt
		e.doc.Items[idx] = it
	} else {
		if it.ID == "" {
			it.ID = uuid.NewString()
		}
		it.CreatedAt = now
		e.doc.Items = append(e.doc.Items, it)
	}
	e.doc.UpdatedAt = now
	cp := e.doc.clone()
	r.mu.Unlock()

	r.persist(collection, cp)
	return it, nil
}

func findItem(items []WorkItem, id string) int {
	if id == "" {
		return -1
	}
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}

// Item looks an item up by ID.
func (r *Registry) Item(collection, id string) (WorkItem, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.colLocked(collection)
	if err != nil {
		return WorkItem{}, false
	}
	if idx := findItem(e.doc.Items, id); idx >= 0 {
		return e.doc.Items[idx], true
	}
	return WorkItem{}, false
}

// ItemByTitle looks an item up by exact title, case-insensitive.
func (r *Registry) ItemByTitle(collection, title string) (WorkItem, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.colLocked(collection)
	if err != nil {
		return WorkItem{}, false
	}
	for i := range e.doc.Items {
		if strings.EqualFold(e.doc.Items[i].Title, title) {
			return e.doc.Items[i], true
		}
	}
	return WorkItem{}, false
}

// ItemsByCollection returns copies of every item in a collection.
func (r *Registry) ItemsByCollection(collection string) ([]WorkItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.colLocked(collection)
	if err != nil {
		return nil, err
	}
	out := make([]WorkItem, len(e.doc.Items))
	copy(out, e.doc.Items)
	return out, nil
}

// ListEligibleForAutoUpdate returns ACTIVE items of active collections.
// QUARANTINED, PAUSED and FINISHED items never appear here; this is the
// quarantine engine's enforcement point.
func (r *Registry) ListEligibleForAutoUpdate() []ItemRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadAllLocked()
	var out []ItemRef
	for _, name := range r.sortedNamesLocked() {
		e := r.cols[name]
		if !e.doc.Info.Active {
			continue
		}
		for _, it := range e.doc.Items {
			if it.Status == StatusActive {
				out = append(out, ItemRef{Collection: name, Item: it})
			}
		}
	}
	return out
}

// NearThreshold returns ACTIVE items whose error counter reached warnLevel.
func (r *Registry) NearThreshold(warnLevel int) []ItemRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadAllLocked()
	var out []ItemRef
	for _, name := range r.sortedNamesLocked() {
		e := r.cols[name]
		for _, it := range e.doc.Items {
			if it.Status == StatusActive && it.ConsecutiveErrors >= warnLevel {
				out = append(out, ItemRef{Collection: name, Item: it})
			}
		}
	}
	return out
}

func (r *Registry) sortedNamesLocked() []string {
	names := make([]string, 0, len(r.cols))
	for name := range r.cols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IncrementErrorCount bumps an item's consecutive-error counter and returns
// the new value. It never changes status; quarantining is the engine's call.
func (r *Registry) IncrementErrorCount(collection, id string) (int, error) {
	now := r.now()

	r.mu.Lock()
	e, err := r.colLocked(collection)
	if err != nil {
		r.mu.Unlock()
		return 0, err
	}
	idx := findItem(e.doc.Items, id)
	if idx < 0 {
		r.mu.Unlock()
		return 0, fmt.Errorf("%w: %s/%s", ErrItemNotFound, collection, id)
	}
	e.doc.Items[idx].ConsecutiveErrors++
	e.doc.Items[idx].UpdatedAt = now
	count := e.doc.Items[idx].ConsecutiveErrors
	e.doc.UpdatedAt = now
	cp := e.doc.clone()
	r.mu.Unlock()

	r.persist(collection, cp)
	return count, nil
}

// ResetErrorCount zeroes an item's consecutive-error counter and stamps its
// last activity. Called on successful jobs and on quarantine restores.
func (r *Registry) ResetErrorCount(collection, id string) error {
	now := r.now()

	r.mu.Lock()
	e, err := r.colLocked(collection)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	idx := findItem(e.doc.Items, id)
	if idx < 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrItemNotFound, collection, id)
	}
	e.doc.Items[idx].ConsecutiveErrors = 0
	t := now
	e.doc.Items[idx].LastActivityAt = &t
	e.doc.Items[idx].UpdatedAt = now
	e.doc.UpdatedAt = now
	cp := e.doc.clone()
	r.mu.Unlock()

	r.persist(collection, cp)
	return nil
}

// SetStatus moves an item to a new lifecycle status.
func (r *Registry) SetStatus(collection, id string, st ItemStatus) error {
	if !st.Valid() {
		return fmt.Errorf("invalid item status %q", st)
	}
	now := r.now()

	r.mu.Lock()
	e, err := r.colLocked(collection)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	idx := findItem(e.doc.Items, id)
	if idx < 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrItemNotFound, collection, id)
	}
	e.doc.Items[idx].Status = st
	e.doc.Items[idx].UpdatedAt = now
	e.doc.UpdatedAt = now
	cp := e.doc.clone()
	r.mu.Unlock()

	r.persist(collection, cp)
	return nil
}

// Stats recomputes a collection's status breakdown.
func (r *Registry) Stats(collection string) (CollectionStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.colLocked(collection)
	if err != nil {
		return CollectionStats{}, err
	}
	st := CollectionStats{
		Collection: collection,
		Total:      len(e.doc.Items),
		UpdatedAt:  e.doc.UpdatedAt,
	}
	for _, it := range e.doc.Items {
		switch it.Status {
		case StatusActive:
			st.Active++
		case StatusQuarantined:
			st.Quarantined++
		case StatusPaused:
			st.Paused++
		case StatusFinished:
			st.Finished++
		}
		if it.ConsecutiveErrors > 0 {
			st.WithErrors++
		}
	}
	return st, nil
}
