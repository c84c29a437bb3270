package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "curator/pkg/logx"
)

// maxAuditBytes triggers a one-shot rotation (rename to .old) at open time.
const maxAuditBytes = 8 << 20

// fileStore is a dependency-free persistence backend.
//
// Layout under cfg.Dir:
//   - <name>.json    one file per document, nested names make subdirectories
//   - audit.jsonl    append-only JSON Lines
//
// Document writes are atomic (temp file + rename) so a crash mid-write never
// leaves a half document behind.
type fileStore struct {
	log logx.Logger
	dir string

	mu        sync.Mutex
	auditFile *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		return nil, errors.New("storage.dir is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := filepath.Join(dir, "audit.jsonl")
	rotateAudit(auditPath, log)

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{log: log, dir: dir, auditFile: af}, nil
}

func rotateAudit(path string, log logx.Logger) {
	fi, err := os.Stat(path)
	if err != nil || fi.Size() < maxAuditBytes {
		return
	}
	if err := os.Rename(path, path+".old"); err != nil {
		log.Debug("audit rotation failed", logx.Err(err))
	}
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile != nil {
		err := s.auditFile.Close()
		s.auditFile = nil
		return err
	}
	return nil
}

func (s *fileStore) docPath(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, "..") || strings.HasPrefix(name, "/") {
		return "", errors.New("invalid doc name: " + name)
	}
	return filepath.Join(s.dir, filepath.FromSlash(name)+".json"), nil
}

func (s *fileStore) PutDoc(name string, doc []byte) error {
	path, err := s.docPath(name)
	if err != nil {
		return err
	}

	// These files get inspected and occasionally hand-edited during
	// incidents, so keep them indented.
	var buf bytes.Buffer
	if err := json.Indent(&buf, doc, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *fileStore) GetDoc(name string) ([]byte, bool, error) {
	path, err := s.docPath(name)
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	b, err := os.ReadFile(path)
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return b, true, nil
}

func (s *fileStore) ListDocs(prefix string) ([]string, error) {
	root := s.dir
	var names []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		name := filepath.ToSlash(strings.TrimSuffix(rel, ".json"))
		if prefix == "" || strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

func (s *fileStore) DeleteDoc(name string) error {
	path, err := s.docPath(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) AppendAudit(e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}
