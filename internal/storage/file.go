package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"forgewatch/internal/delegate"
	logx "forgewatch/pkg/logx"
)

// fileStore keeps everything in files sharing one prefix:
//
//	<prefix>.streaks.json          streak states, replaced via temp+rename
//	<prefix>.identities.json       learned identities, replaced via temp+rename
//	<prefix>.audit.jsonl           append-only
//	<prefix>.dedup.snapshot.json   compacted dedup map
//	<prefix>.dedup.journal.jsonl   dedup writes since the last compaction
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	streaksPath    string
	identitiesPath string
	identities     []delegate.ChatIdentity

	auditFile *os.File

	dedupSnapshotPath string
	dedupJournalFile  *os.File
	dedup             map[string]int64 // unix milli
	dedupWrites       int
}

const dedupCompactEvery = 1000

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:               log,
		streaksPath:       prefix + ".streaks.json",
		identitiesPath:    prefix + ".identities.json",
		dedupSnapshotPath: prefix + ".dedup.snapshot.json",
		dedup:             map[string]int64{},
	}

	if err := readJSON(s.identitiesPath, &s.identities); err != nil {
		return nil, err
	}

	journalPath := prefix + ".dedup.journal.jsonl"
	if err := readJSON(s.dedupSnapshotPath, &s.dedup); err != nil {
		log.Warn("dedup snapshot unreadable; starting empty", logx.Err(err))
		s.dedup = map[string]int64{}
	}
	if err := replayDedupJournal(journalPath, s.dedup); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("dedup journal replay failed", logx.Err(err))
	}
	pruneExpiredDedup(s.dedup, time.Now())

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}
	s.auditFile = af
	s.dedupJournalFile = jf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	if s.dedupJournalFile != nil {
		errs = append(errs, s.compactLocked())
		errs = append(errs, s.dedupJournalFile.Close())
		s.dedupJournalFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) LoadStreaks(context.Context) (delegate.States, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := delegate.States{}
	if err := readJSON(s.streaksPath, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *fileStore) SaveStreaks(_ context.Context, states delegate.States) error {
	if states == nil {
		states = delegate.States{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.streaksPath, states)
}

func (s *fileStore) PutIdentity(_ context.Context, id delegate.ChatIdentity) error {
	if strings.TrimSpace(id.ID) == "" {
		return errors.New("identity id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := append([]delegate.ChatIdentity(nil), s.identities...)
	found := false
	for i := range next {
		if next[i].ID == id.ID {
			if next[i] == id {
				return nil
			}
			next[i] = id
			found = true
			break
		}
	}
	if !found {
		next = append(next, id)
	}
	if err := writeJSONAtomic(s.identitiesPath, next); err != nil {
		return err
	}
	s.identities = next
	return nil
}

func (s *fileStore) ListIdentities(context.Context) ([]delegate.ChatIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]delegate.ChatIdentity(nil), s.identities...), nil
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
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

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournalFile == nil {
		return errors.New("dedup journal closed")
	}
	s.dedup[key] = ms
	if err := json.NewEncoder(s.dedupJournalFile).Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedupWrites++
	if s.dedupWrites%dedupCompactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// compactLocked folds the journal into the snapshot and truncates it.
func (s *fileStore) compactLocked() error {
	pruneExpiredDedup(s.dedup, time.Now())
	if err := writeJSONAtomic(s.dedupSnapshotPath, s.dedup); err != nil {
		return err
	}
	if err := s.dedupJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err := s.dedupJournalFile.Seek(0, io.SeekEnd)
	return err
}

// readJSON decodes path into v. A missing file leaves v untouched.
func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}

// writeJSONAtomic writes to a temp file in the same directory, syncs it and
// renames it over path.
func writeJSONAtomic(path string, v any) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	cleanup := func() { _ = os.Remove(tmp) }

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = f.Close()
		cleanup()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		cleanup()
		return err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

func replayDedupJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r dedupRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return sc.Err()
}

func pruneExpiredDedup(m map[string]int64, now time.Time) {
	cut := now.UnixMilli()
	for k, v := range m {
		if v < cut {
			delete(m, k)
		}
	}
}
