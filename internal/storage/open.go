package storage

import (
	"errors"
	"strings"

	logx "curator/pkg/logx"
)

// Store is the minimal persistence API used by the core services. Callers
// own the JSON encoding; the store moves bytes.
//
// GetDoc reports (nil, false, nil) when the document does not exist yet;
// callers fall back to defaults. PutDoc replaces the whole document
// atomically.
type Store interface {
	PutDoc(name string, doc []byte) error
	GetDoc(name string) ([]byte, bool, error)
	ListDocs(prefix string) ([]string, error)
	DeleteDoc(name string) error
	AppendAudit(e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
