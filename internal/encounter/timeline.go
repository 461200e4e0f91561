package encounter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	TimelineTypeNote     = "note"
	DefaultTimelineLimit = 5
)

type TimelineEntry struct {
	Type           string    `json:"type"`
	Date           time.Time `json:"date"`
	ChiefComplaint string    `json:"chiefComplaint,omitempty"`
	Note           *SoapNote `json:"soapNote,omitempty"`
	AudioFileRef   string    `json:"audioFileRef,omitempty"`
}

type TimelineSummary struct {
	Entries  []TimelineEntry `json:"entries"`
	Total    int             `json:"total"`
	Overflow int             `json:"overflow"`
}

// SummarizeTimeline keeps note entries in their given order (most recent
// first) and caps them at limit, reporting how many were left out.
func SummarizeTimeline(entries []TimelineEntry, limit int) TimelineSummary {
	if limit <= 0 {
		limit = DefaultTimelineLimit
	}
	notes := make([]TimelineEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.Type != TimelineTypeNote {
			continue
		}
		notes = append(notes, entry)
	}
	summary := TimelineSummary{Total: len(notes)}
	if len(notes) > limit {
		summary.Overflow = len(notes) - limit
		notes = notes[:limit]
	}
	summary.Entries = notes
	return summary
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp accepts RFC 3339, zone-less ISO-8601 (read as UTC) and
// unix seconds.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
		whole := int64(seconds)
		nanos := int64((seconds - float64(whole)) * float64(time.Second))
		return time.Unix(whole, nanos).UTC(), nil
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}

// WireTime decodes a timestamp that may arrive as a JSON string or number.
type WireTime struct {
	Time  time.Time
	Valid bool
}

func (t *WireTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = WireTime{}
		return nil
	}
	raw := string(data)
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if strings.TrimSpace(s) == "" {
			*t = WireTime{}
			return nil
		}
		raw = s
	}
	ts, err := ParseTimestamp(raw)
	if err != nil {
		return err
	}
	*t = WireTime{Time: ts, Valid: true}
	return nil
}

func (t WireTime) Ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	ts := t.Time
	return &ts
}
