package encounter

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

type ConsultationState string

const (
	StateWaiting        ConsultationState = "waiting"
	StateInProgress     ConsultationState = "in-progress"
	StateReadyForReview ConsultationState = "ready-for-review"
	StateCompleted      ConsultationState = "completed"
)

// ParseConsultationState maps queue wire values onto a ConsultationState.
// The queue service still reports "with-nurse" and "ready" for the two
// states that can be completed.
func ParseConsultationState(raw string) (ConsultationState, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "waiting":
		return StateWaiting, true
	case "in-progress", "in_progress", "with-nurse", "with_nurse":
		return StateInProgress, true
	case "ready-for-review", "ready_for_review", "ready":
		return StateReadyForReview, true
	case "completed", "done":
		return StateCompleted, true
	default:
		return "", false
	}
}

func (s ConsultationState) CanStart() bool {
	return s == StateWaiting
}

func (s ConsultationState) CanComplete() bool {
	return s == StateInProgress || s == StateReadyForReview
}

type ConnectivityStatus string

const (
	StatusConnecting ConnectivityStatus = "connecting"
	StatusConnected  ConnectivityStatus = "connected"
	StatusError      ConnectivityStatus = "error"
)

// Subject is the patient currently selected on the dashboard. It is owned by
// the queue view; the sync core only reads it.
type Subject struct {
	ID          string            `json:"id"`
	DisplayID   string            `json:"displayId,omitempty"`
	Name        string            `json:"name,omitempty"`
	Age         int               `json:"age,omitempty"`
	Gender      string            `json:"gender,omitempty"`
	QueueID     string            `json:"queueId,omitempty"`
	QueueNumber int               `json:"queueNumber,omitempty"`
	Status      ConsultationState `json:"status,omitempty"`
}

func (s Subject) HasQueueEntry() bool {
	return strings.TrimSpace(s.QueueID) != ""
}

type Medication struct {
	Name      string `json:"name"`
	Dosage    string `json:"dosage,omitempty"`
	Frequency string `json:"frequency,omitempty"`
}

type SoapNote struct {
	Subjective     string       `json:"subjective,omitempty"`
	Objective      string       `json:"objective,omitempty"`
	Assessment     string       `json:"assessment,omitempty"`
	Plan           string       `json:"plan,omitempty"`
	ChiefComplaint string       `json:"chiefComplaint,omitempty"`
	Language       string       `json:"language,omitempty"`
	Medications    []Medication `json:"medications,omitempty"`
}

func (n *SoapNote) HasSections() bool {
	if n == nil {
		return false
	}
	return n.Subjective != "" || n.Objective != "" || n.Assessment != "" || n.Plan != ""
}

// Snapshot is the synchronized payload for one subject. A snapshot without a
// NoteID carries no structured note and is never newer than one with an ID.
type Snapshot struct {
	NoteID        *string    `json:"noteId,omitempty"`
	CreatedAt     *time.Time `json:"createdAt,omitempty"`
	Note          *SoapNote  `json:"soapNote,omitempty"`
	RawTranscript string     `json:"rawTranscript,omitempty"`
}

func (s *Snapshot) HasNoteID() bool {
	return s != nil && s.NoteID != nil && *s.NoteID != ""
}

func (s *Snapshot) NoteIDValue() string {
	if !s.HasNoteID() {
		return ""
	}
	return *s.NoteID
}

func (s *Snapshot) HasStructuredNote() bool {
	return s != nil && s.Note.HasSections()
}

func (s *Snapshot) TranscriptFingerprint() string {
	if s == nil || s.RawTranscript == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(s.RawTranscript))
	return hex.EncodeToString(sum[:])
}

// SameIdentity reports whether two snapshots describe the same note revision.
func (s *Snapshot) SameIdentity(other *Snapshot) bool {
	if s == nil || other == nil {
		return s == nil && other == nil
	}
	if s.NoteIDValue() != other.NoteIDValue() {
		return false
	}
	if !sameInstant(s.CreatedAt, other.CreatedAt) {
		return false
	}
	return s.TranscriptFingerprint() == other.TranscriptFingerprint()
}

func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := &Snapshot{RawTranscript: s.RawTranscript}
	if s.NoteID != nil {
		id := *s.NoteID
		out.NoteID = &id
	}
	if s.CreatedAt != nil {
		ts := *s.CreatedAt
		out.CreatedAt = &ts
	}
	if s.Note != nil {
		note := *s.Note
		if s.Note.Medications != nil {
			note.Medications = append([]Medication(nil), s.Note.Medications...)
		}
		out.Note = &note
	}
	return out
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// CacheEntry is the persisted last-known snapshot for a subject.
type CacheEntry struct {
	SubjectID string
	Snapshot  *Snapshot
	FetchedAt time.Time
	CheckedAt time.Time
}

func (e *CacheEntry) Clone() *CacheEntry {
	if e == nil {
		return nil
	}
	out := *e
	out.Snapshot = e.Snapshot.Clone()
	return &out
}

func StringPtr(value string) *string {
	return &value
}

func TimePtr(value time.Time) *time.Time {
	return &value
}
