package livesync

import "github.com/swasya/livesync/internal/encounter"

// Changed decides whether incoming must replace the cached snapshot. Note
// identity decides first; creation time and transcript content only matter
// when neither side has a note id. A snapshot without an id never displaces
// one that has an id.
func Changed(cached *encounter.CacheEntry, incoming *encounter.Snapshot) bool {
	if incoming == nil {
		return false
	}
	if cached == nil || cached.Snapshot == nil {
		return true
	}
	prev := cached.Snapshot
	switch {
	case prev.HasNoteID() && incoming.HasNoteID():
		return prev.NoteIDValue() != incoming.NoteIDValue()
	case prev.HasNoteID():
		return false
	case incoming.HasNoteID():
		return true
	}
	return !prev.SameIdentity(incoming)
}
