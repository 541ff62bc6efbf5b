package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "tgrelay/pkg/logx"
)

// fileStore keeps everything in memory and persists through two files:
//   - <prefix>.snapshot.json (state as of the last compaction)
//   - <prefix>.journal.jsonl (appends since then, fsynced per write)
//
// Open replays the journal over the snapshot. A torn final journal line
// from a crash is skipped; the write it belonged to was never acknowledged.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File

	deliveries map[deliveryKey]Delivery
	cursors    map[string]Cursor

	writes       int
	compactEvery int
}

type deliveryKey struct {
	fp   string
	dest string
}

type journalRecord struct {
	Op string `json:"op"` // "d" delivery, "c" cursor

	Fingerprint string `json:"fp,omitempty"`
	Destination string `json:"dest,omitempty"`
	Channel     string `json:"ch,omitempty"`
	MessageID   int64  `json:"mid,omitempty"`
	Cursor      int64  `json:"cursor,omitempty"`
	At          int64  `json:"at"`
}

type snapshot struct {
	Deliveries []journalRecord `json:"deliveries"`
	Cursors    []journalRecord `json:"cursors"`
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
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		deliveries:   map[deliveryKey]Delivery{},
		cursors:      map[string]Cursor{},
		compactEvery: 1000,
	}
	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	journalPath := prefix + ".journal.jsonl"
	if err := s.replay(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) HasDelivery(ctx context.Context, fingerprint, destination string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return false, ErrClosed
	}
	_, ok := s.deliveries[deliveryKey{fingerprint, destination}]
	return ok, nil
}

func (s *fileStore) PutDeliveries(ctx context.Context, ds []Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(ds) == 0 {
		return nil
	}
	recs := make([]journalRecord, 0, len(ds))
	for _, d := range ds {
		if d.Fingerprint == "" || d.Destination == "" {
			return errors.New("delivery record missing key")
		}
		if d.At.IsZero() {
			d.At = time.Now()
		}
		recs = append(recs, deliveryRecord(d))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	// The batch is written as one buffer so it lands in a single write call.
	if err := s.appendLocked(recs); err != nil {
		return err
	}
	for _, r := range recs {
		s.applyLocked(r)
	}
	s.maybeCompactLocked(len(recs))
	return nil
}

func (s *fileStore) PruneDeliveries(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return 0, ErrClosed
	}
	var n int64
	for k, d := range s.deliveries {
		if d.At.Before(before) {
			delete(s.deliveries, k)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, s.compactLocked()
}

func (s *fileStore) GetCursor(ctx context.Context, channel string) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return 0, false, ErrClosed
	}
	c, ok := s.cursors[channel]
	return c.Value, ok, nil
}

func (s *fileStore) PutCursor(ctx context.Context, channel string, value int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if cur, ok := s.cursors[channel]; ok && cur.Value >= value {
		return nil
	}
	r := journalRecord{Op: "c", Channel: channel, Cursor: value, At: time.Now().UnixMilli()}
	if err := s.appendLocked([]journalRecord{r}); err != nil {
		return err
	}
	s.applyLocked(r)
	s.maybeCompactLocked(1)
	return nil
}

func (s *fileStore) Cursors(ctx context.Context) ([]Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Cursor, 0, len(s.cursors))
	for _, c := range s.cursors {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out, nil
}

func deliveryRecord(d Delivery) journalRecord {
	return journalRecord{
		Op:          "d",
		Fingerprint: d.Fingerprint,
		Destination: d.Destination,
		Channel:     d.Channel,
		MessageID:   d.MessageID,
		At:          d.At.UnixMilli(),
	}
}

func (s *fileStore) applyLocked(r journalRecord) {
	switch r.Op {
	case "d":
		k := deliveryKey{r.Fingerprint, r.Destination}
		if _, ok := s.deliveries[k]; ok {
			return
		}
		s.deliveries[k] = Delivery{
			Fingerprint: r.Fingerprint,
			Destination: r.Destination,
			Channel:     r.Channel,
			MessageID:   r.MessageID,
			At:          time.UnixMilli(r.At),
		}
	case "c":
		if cur, ok := s.cursors[r.Channel]; ok && cur.Value >= r.Cursor {
			return
		}
		s.cursors[r.Channel] = Cursor{Channel: r.Channel, Value: r.Cursor, UpdatedAt: time.UnixMilli(r.At)}
	}
}

func (s *fileStore) appendLocked(recs []journalRecord) error {
	var buf strings.Builder
	enc := json.NewEncoder(&buf)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(s.journal, buf.String()); err != nil {
		return err
	}
	return s.journal.Sync()
}

func (s *fileStore) maybeCompactLocked(n int) {
	s.writes += n
	if s.writes < s.compactEvery {
		return
	}
	if err := s.compactLocked(); err != nil {
		s.log.Warn("storage compaction failed", logx.Err(err))
	}
}

// compactLocked writes a fresh snapshot and truncates the journal. If the
// process dies between the rename and the truncate, replay re-applies
// records already in the snapshot, which is harmless.
func (s *fileStore) compactLocked() error {
	snap := snapshot{
		Deliveries: make([]journalRecord, 0, len(s.deliveries)),
		Cursors:    make([]journalRecord, 0, len(s.cursors)),
	}
	for _, d := range s.deliveries {
		snap.Deliveries = append(snap.Deliveries, deliveryRecord(d))
	}
	for _, c := range s.cursors {
		snap.Cursors = append(snap.Cursors, journalRecord{Op: "c", Channel: c.Channel, Cursor: c.Value, At: c.UpdatedAt.UnixMilli()})
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	if _, err := s.journal.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	s.writes = 0
	return s.journal.Sync()
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, r := range snap.Deliveries {
		s.applyLocked(r)
	}
	for _, r := range snap.Cursors {
		s.applyLocked(r)
	}
	return nil
}

func (s *fileStore) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			s.log.Warn("skipping unreadable journal line", logx.Err(err))
			continue
		}
		s.applyLocked(r)
	}
	return sc.Err()
}
