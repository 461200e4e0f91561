package livesync

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/swasya/livesync/internal/encounter"
	"github.com/swasya/livesync/internal/gateway"
)

var (
	ErrBusy           = errors.New("consultation action already in progress")
	ErrMissingQueueID = errors.New("subject has no queue entry")
)

const (
	startFailedMessage     = "Failed to start consultation. Please try again."
	completeFailedMessage  = "Failed to complete consultation. Please try again."
	completeSucceedMessage = "Consultation completed successfully! Next patient can now be seen."
)

type TransitionError struct {
	SubjectID string
	From      encounter.ConsultationState
	Action    gateway.Action
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s consultation for subject %s from state %q", e.Action, e.SubjectID, e.From)
}

type ActionError struct {
	Action  gateway.Action
	QueueID string
	Err     error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s consultation for queue entry %s: %v", e.Action, e.QueueID, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

type NoticeLevel string

const (
	NoticeInfo  NoticeLevel = "info"
	NoticeError NoticeLevel = "error"
)

type Notice struct {
	ID      string         `json:"id"`
	Level   NoticeLevel    `json:"level"`
	Action  gateway.Action `json:"action"`
	Message string         `json:"message"`
	At      time.Time      `json:"at"`
}

// Advancer is the part of the gateway consultation transitions need.
type Advancer interface {
	AdvanceConsultation(ctx context.Context, queueID string, action gateway.Action) error
}

type ConsultationOptions struct {
	OnAction func()
	OnNotice func(Notice)
	// RefreshHold bounds how long a successful action keeps the guard while
	// waiting for a refreshed subject. Zero holds until Release.
	RefreshHold time.Duration
	// OnRelease is called when RefreshHold lapses for subjectID.
	OnRelease func(subjectID string)
	Logger    Logger
	Now       func() time.Time
}

type busyKey struct {
	subjectID string
	action    gateway.Action
}

type busyPhase int

const (
	phaseInFlight busyPhase = iota + 1
	phaseAwaitingRefresh
)

type busyEntry struct {
	phase busyPhase
	timer *time.Timer
}

// Consultations drives queue-entry transitions for subjects. The subject's
// Status is owned by the queue; transitions only ever ask the backend and
// then wait for a refreshed subject record.
type Consultations struct {
	advancer    Advancer
	onAction    func()
	onNotice    func(Notice)
	onRelease   func(string)
	refreshHold time.Duration
	logger      Logger
	now         func() time.Time

	mu      sync.Mutex
	held    map[busyKey]*busyEntry
	entropy *ulid.MonotonicEntropy
}

func NewConsultations(advancer Advancer, opts ConsultationOptions) *Consultations {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Consultations{
		advancer:    advancer,
		onAction:    opts.OnAction,
		onNotice:    opts.OnNotice,
		onRelease:   opts.OnRelease,
		refreshHold: opts.RefreshHold,
		logger:      opts.Logger,
		now:         now,
		held:        map[busyKey]*busyEntry{},
		entropy:     ulid.Monotonic(rand.Reader, 0),
	}
}

func (m *Consultations) Start(ctx context.Context, subject encounter.Subject) error {
	return m.advance(ctx, subject, gateway.ActionStart)
}

func (m *Consultations) Complete(ctx context.Context, subject encounter.Subject) error {
	return m.advance(ctx, subject, gateway.ActionComplete)
}

// Busy reports whether any action for subjectID is in flight or still
// waiting for the queue to reflect it.
func (m *Consultations) Busy(subjectID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.held {
		if key.subjectID == subjectID {
			return true
		}
	}
	return false
}

// Release clears completed actions for subjectID once a refreshed subject
// record has arrived. Actions still in flight stay held.
func (m *Consultations) Release(subjectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, entry := range m.held {
		if key.subjectID == subjectID && entry.phase == phaseAwaitingRefresh {
			if entry.timer != nil {
				entry.timer.Stop()
			}
			delete(m.held, key)
		}
	}
}

// Close stops pending hold timers.
func (m *Consultations) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.held {
		if entry.timer != nil {
			entry.timer.Stop()
			entry.timer = nil
		}
	}
}

func (m *Consultations) expire(key busyKey, entry *busyEntry) {
	m.mu.Lock()
	if m.held[key] != entry {
		m.mu.Unlock()
		return
	}
	delete(m.held, key)
	m.mu.Unlock()
	m.logf("no refreshed record for subject %s after %s; releasing %s guard", key.subjectID, m.refreshHold, key.action)
	if m.onRelease != nil {
		m.onRelease(key.subjectID)
	}
}

func (m *Consultations) advance(ctx context.Context, subject encounter.Subject, action gateway.Action) error {
	if !subject.HasQueueEntry() {
		m.logf("cannot %s consultation for subject %s: no queue entry", action, subject.ID)
		return ErrMissingQueueID
	}
	allowed := subject.Status.CanStart()
	if action == gateway.ActionComplete {
		allowed = subject.Status.CanComplete()
	}
	key := busyKey{subjectID: subject.ID, action: action}

	m.mu.Lock()
	if _, busy := m.held[key]; busy {
		m.mu.Unlock()
		return ErrBusy
	}
	if !allowed {
		m.mu.Unlock()
		return &TransitionError{SubjectID: subject.ID, From: subject.Status, Action: action}
	}
	entry := &busyEntry{phase: phaseInFlight}
	m.held[key] = entry
	m.mu.Unlock()

	if err := m.advancer.AdvanceConsultation(ctx, subject.QueueID, action); err != nil {
		m.mu.Lock()
		delete(m.held, key)
		m.mu.Unlock()
		m.logf("%s consultation failed for queue entry %s: %v", action, subject.QueueID, err)
		message := startFailedMessage
		if action == gateway.ActionComplete {
			message = completeFailedMessage
		}
		m.notify(NoticeError, action, message)
		return &ActionError{Action: action, QueueID: subject.QueueID, Err: err}
	}

	m.mu.Lock()
	if m.held[key] == entry {
		entry.phase = phaseAwaitingRefresh
		if m.refreshHold > 0 {
			entry.timer = time.AfterFunc(m.refreshHold, func() { m.expire(key, entry) })
		}
	}
	m.mu.Unlock()
	m.logf("%s consultation succeeded for queue entry %s", action, subject.QueueID)
	if action == gateway.ActionComplete {
		m.notify(NoticeInfo, action, completeSucceedMessage)
	}
	if m.onAction != nil {
		m.onAction()
	}
	return nil
}

func (m *Consultations) notify(level NoticeLevel, action gateway.Action, message string) {
	at := m.now().UTC()
	m.mu.Lock()
	id := ulid.MustNew(ulid.Timestamp(at), m.entropy).String()
	m.mu.Unlock()
	if m.onNotice == nil {
		return
	}
	m.onNotice(Notice{
		ID:      id,
		Level:   level,
		Action:  action,
		Message: message,
		At:      at,
	})
}

func (m *Consultations) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}
