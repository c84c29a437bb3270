package library

import "time"

// ItemStatus is the lifecycle state of a tracked work item. Only ACTIVE items
// are picked up by automatic update runs.
type ItemStatus string

const (
	StatusActive      ItemStatus = "ACTIVE"
	StatusQuarantined ItemStatus = "QUARANTINED"
	StatusPaused      ItemStatus = "PAUSED"
	StatusFinished    ItemStatus = "FINISHED"
)

func (s ItemStatus) Valid() bool {
	switch s {
	case StatusActive, StatusQuarantined, StatusPaused, StatusFinished:
		return true
	}
	return false
}

// WorkItem is one tracked target inside a collection.
type WorkItem struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	// URL is the item's location relative to the collection base URL.
	URL               string     `json:"url,omitempty"`
	Status            ItemStatus `json:"status"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	LastActivityAt    *time.Time `json:"last_activity_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Collection groups work items under one source.
type Collection struct {
	Name          string     `json:"name"`
	BaseURL       string     `json:"base_url,omitempty"`
	Description   string     `json:"description,omitempty"`
	Active        bool       `json:"active"`
	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`
}

// ItemRef pairs an item with the collection it lives in, for callers that
// iterate across collections.
type ItemRef struct {
	Collection string   `json:"collection"`
	Item       WorkItem `json:"item"`
}

// CollectionStats is a per-collection status breakdown, recomputed on demand.
type CollectionStats struct {
	Collection  string    `json:"collection"`
	Total       int       `json:"total"`
	Active      int       `json:"active"`
	Quarantined int       `json:"quarantined"`
	Paused      int       `json:"paused"`
	Finished    int       `json:"finished"`
	WithErrors  int       `json:"with_errors"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// collectionDoc is the persisted shape, one document per collection.
type collectionDoc struct {
	Info      Collection `json:"info"`
	Items     []WorkItem `json:"items"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (d *collectionDoc) clone() collectionDoc {
	cp := *d
	cp.Items = make([]WorkItem, len(d.Items))
	copy(cp.Items, d.Items)
	return cp
}
