package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "ytenhancer/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.state.snapshot.json (periodic snapshot)
//   - <prefix>.state.journal.jsonl (append-only journal)
//
// The journal is compacted into the snapshot every compactEvery writes
// and on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File
	state        map[string]json.RawMessage

	writes       int
	compactEvery int
}

type journalRecord struct {
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".state.snapshot.json"
	journalPath := prefix + ".state.journal.jsonl"

	state := map[string]json.RawMessage{}
	if err := loadSnapshot(snapPath, state); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("state snapshot unreadable; starting from journal", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, state); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("state journal replay failed", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journalFile:  jf,
		state:        state,
		compactEvery: 200,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	if err := s.compactLocked(); err != nil {
		s.log.Debug("state compact on close failed", logx.Err(err))
	}
	err := s.journalFile.Close()
	s.journalFile = nil
	return err
}

func (s *fileStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil, false, ErrClosed
	}
	v, ok := s.state[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *fileStore) Put(ctx context.Context, key string, val []byte) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	if !json.Valid(val) {
		return errors.New("file store: value must be valid JSON")
	}
	return s.append(journalRecord{Key: key, Value: append(json.RawMessage(nil), val...)})
}

func (s *fileStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	return s.append(journalRecord{Key: key, Deleted: true})
}

func (s *fileStore) append(r journalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	applyRecord(s.state, r)

	s.writes++
	if s.compactEvery > 0 && s.writes%s.compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("state compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func applyRecord(m map[string]json.RawMessage, r journalRecord) {
	if r.Key == "" {
		return
	}
	if r.Deleted {
		delete(m, r.Key)
		return
	}
	m[r.Key] = r.Value
}

func loadSnapshot(path string, out map[string]json.RawMessage) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]json.RawMessage
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]json.RawMessage) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// torn tail write; keep what we have
			continue
		}
		applyRecord(out, r)
	}
	return sc.Err()
}
