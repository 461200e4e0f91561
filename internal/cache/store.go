package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/swasya/livesync/internal/encounter"
)

const KeyPrefix = "live_encounter_"

type Logger interface {
	Printf(format string, args ...any)
}

type StoreOptions struct {
	Logger Logger
	Now    func() time.Time
}

// Store is the per-subject snapshot cache. It is an optimization only: every
// failure is logged and reported to the caller as a miss or a no-op.
type Store struct {
	backend Backend
	logger  Logger
	now     func() time.Time
	schema  *jsonschema.Schema
}

type record struct {
	Timestamp     string              `json:"timestamp"`
	EncounterData *encounter.Snapshot `json:"encounterData"`
	NoteID        *string             `json:"noteId"`
	LastChecked   string              `json:"lastChecked"`
}

func NewStore(backend Backend, opts StoreOptions) *Store {
	if backend == nil {
		backend = NewInMemoryBackend(0)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Store{
		backend: backend,
		logger:  opts.Logger,
		now:     now,
	}
	schema, err := compileRecordSchema()
	if err != nil {
		s.logf("cache record schema unavailable, skipping validation: %v", err)
	} else {
		s.schema = schema
	}
	return s
}

func KeyFor(subjectID string) string {
	return KeyPrefix + strings.TrimSpace(subjectID)
}

func subjectForKey(key string) (string, bool) {
	if !strings.HasPrefix(key, KeyPrefix) {
		return "", false
	}
	subjectID := strings.TrimPrefix(key, KeyPrefix)
	return subjectID, subjectID != ""
}

func (s *Store) Get(ctx context.Context, subjectID string) (*encounter.CacheEntry, bool) {
	if s == nil || strings.TrimSpace(subjectID) == "" {
		return nil, false
	}
	data, err := s.backend.Get(ctx, KeyFor(subjectID))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logf("cache read failed for %s: %v", subjectID, err)
		}
		return nil, false
	}
	if err := validateRecord(s.schema, data); err != nil {
		s.logf("cache record for %s rejected: %v", subjectID, err)
		return nil, false
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logf("cache record for %s corrupted: %v", subjectID, err)
		return nil, false
	}
	if rec.EncounterData == nil {
		return nil, false
	}
	fetchedAt, err := time.Parse(time.RFC3339Nano, rec.Timestamp)
	if err != nil {
		s.logf("cache record for %s has bad timestamp: %v", subjectID, err)
		return nil, false
	}
	checkedAt, err := time.Parse(time.RFC3339Nano, rec.LastChecked)
	if err != nil {
		checkedAt = fetchedAt
	}
	return &encounter.CacheEntry{
		SubjectID: strings.TrimSpace(subjectID),
		Snapshot:  rec.EncounterData,
		FetchedAt: fetchedAt,
		CheckedAt: checkedAt,
	}, true
}

// Put overwrites the entry for subjectID and returns what was written, or
// nil when nothing could be stored.
func (s *Store) Put(ctx context.Context, subjectID string, snapshot *encounter.Snapshot) *encounter.CacheEntry {
	if s == nil || strings.TrimSpace(subjectID) == "" || snapshot == nil {
		return nil
	}
	now := s.now().UTC()
	stamp := now.Format(time.RFC3339Nano)
	rec := record{
		Timestamp:     stamp,
		EncounterData: snapshot,
		LastChecked:   stamp,
	}
	if snapshot.HasNoteID() {
		rec.NoteID = encounter.StringPtr(snapshot.NoteIDValue())
	}
	data, err := json.Marshal(rec)
	if err != nil {
		s.logf("cache encode failed for %s: %v", subjectID, err)
		return nil
	}
	if err := s.backend.Set(ctx, KeyFor(subjectID), data); err != nil {
		s.logf("cache write failed for %s: %v", subjectID, err)
		return nil
	}
	return &encounter.CacheEntry{
		SubjectID: strings.TrimSpace(subjectID),
		Snapshot:  snapshot.Clone(),
		FetchedAt: now,
		CheckedAt: now,
	}
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	if closer, ok := s.backend.(backendCloser); ok {
		return closer.Close()
	}
	return nil
}

func (s *Store) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
