package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/swasya/livesync/internal/encounter"
)

type Action string

const (
	ActionStart    Action = "start"
	ActionComplete Action = "complete"
)

func (a Action) Valid() bool {
	return a == ActionStart || a == ActionComplete
}

// LatestNote is the answer to "latest note for subject". Success=false or a
// nil Note both mean no note has been produced yet.
type LatestNote struct {
	Success bool
	Note    *encounter.Snapshot
}

func (n LatestNote) HasNote() bool {
	return n.Success && n.Note != nil
}

type Timeline struct {
	Success bool
	Entries []encounter.TimelineEntry
}

// Gateway is the backend surface the sync core depends on. Transport
// failures are returned as errors; "nothing yet" is not an error.
type Gateway interface {
	FetchLatestNote(ctx context.Context, subjectID string) (LatestNote, error)
	FetchTimeline(ctx context.Context, subjectID string) (Timeline, error)
	AdvanceConsultation(ctx context.Context, queueID string, action Action) error
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type wireMedication struct {
	Name      string `json:"name"`
	Dosage    string `json:"dosage"`
	Frequency string `json:"frequency"`
}

type wireSoapNote struct {
	Subjective     string           `json:"subjective"`
	Objective      string           `json:"objective"`
	Assessment     string           `json:"assessment"`
	Plan           string           `json:"plan"`
	ChiefComplaint string           `json:"chief_complaint"`
	Language       string           `json:"language"`
	Medications    []wireMedication `json:"medications"`
}

type wireNote struct {
	NoteID        string             `json:"note_id"`
	CreatedAt     encounter.WireTime `json:"created_at"`
	SoapNote      *wireSoapNote      `json:"soap_note"`
	RawTranscript string             `json:"raw_transcript"`
	Transcript    string             `json:"transcript"`
}

type wireLatestNote struct {
	Success bool      `json:"success"`
	Note    *wireNote `json:"note"`
}

type wireTimelineEntry struct {
	Type  string             `json:"type"`
	Date  encounter.WireTime `json:"date"`
	Entry struct {
		ChiefComplaint string        `json:"chief_complaint"`
		SoapNote       *wireSoapNote `json:"soap_note"`
		AudioFile      string        `json:"audio_file"`
		AudioFileKey   string        `json:"audio_file_key"`
	} `json:"entry"`
}

type wireTimeline struct {
	Success  bool                `json:"success"`
	Timeline []wireTimelineEntry `json:"timeline"`
}

func (n *wireSoapNote) toDomain() *encounter.SoapNote {
	if n == nil {
		return nil
	}
	out := &encounter.SoapNote{
		Subjective:     n.Subjective,
		Objective:      n.Objective,
		Assessment:     n.Assessment,
		Plan:           n.Plan,
		ChiefComplaint: n.ChiefComplaint,
		Language:       n.Language,
	}
	for _, med := range n.Medications {
		if strings.TrimSpace(med.Name) == "" {
			continue
		}
		out.Medications = append(out.Medications, encounter.Medication{
			Name:      med.Name,
			Dosage:    med.Dosage,
			Frequency: med.Frequency,
		})
	}
	return out
}

func (n *wireNote) toDomain() *encounter.Snapshot {
	if n == nil {
		return nil
	}
	snap := &encounter.Snapshot{
		CreatedAt:     n.CreatedAt.Ptr(),
		Note:          n.SoapNote.toDomain(),
		RawTranscript: n.RawTranscript,
	}
	if snap.RawTranscript == "" {
		snap.RawTranscript = n.Transcript
	}
	if id := strings.TrimSpace(n.NoteID); id != "" {
		snap.NoteID = &id
	}
	return snap
}

func (w wireLatestNote) toDomain() LatestNote {
	return LatestNote{Success: w.Success, Note: w.Note.toDomain()}
}

func (w wireTimeline) toDomain() Timeline {
	out := Timeline{Success: w.Success}
	for _, raw := range w.Timeline {
		entry := encounter.TimelineEntry{
			Type:           raw.Type,
			Date:           raw.Date.Time,
			ChiefComplaint: raw.Entry.ChiefComplaint,
			Note:           raw.Entry.SoapNote.toDomain(),
			AudioFileRef:   raw.Entry.AudioFile,
		}
		if entry.AudioFileRef == "" {
			entry.AudioFileRef = raw.Entry.AudioFileKey
		}
		out.Entries = append(out.Entries, entry)
	}
	sort.SliceStable(out.Entries, func(i, j int) bool {
		return out.Entries[i].Date.After(out.Entries[j].Date)
	})
	return out
}
