package livesync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/swasya/livesync/internal/encounter"
	"github.com/swasya/livesync/internal/gateway"
)

var ErrNoSubject = errors.New("no subject selected")

type Logger interface {
	Printf(format string, args ...any)
}

// CacheStore is the last-known snapshot store. Faults are handled inside the
// store: Get reports a miss and Put returns nil.
type CacheStore interface {
	Get(ctx context.Context, subjectID string) (*encounter.CacheEntry, bool)
	Put(ctx context.Context, subjectID string, snapshot *encounter.Snapshot) *encounter.CacheEntry
}

// CacheWatcher is implemented by stores that can report entries written by
// another process.
type CacheWatcher interface {
	Watch(ctx context.Context) (<-chan string, error)
}

type ControllerOptions struct {
	Gateway              gateway.Gateway
	Cache                CacheStore
	Logger               Logger
	Interval             time.Duration
	Jitter               float64
	FetchTimeout         time.Duration
	TimelineLimit        int
	OnConsultationAction func()
	// ConsultationHold releases the busy guard of a successful action when no
	// refreshed subject arrives in time. Zero waits for RefreshSubject.
	ConsultationHold time.Duration
	// Manual disables the schedule; fetches run only through PollNow.
	Manual bool
	Now    func() time.Time
}

type ConsultationView struct {
	State       encounter.ConsultationState `json:"state,omitempty"`
	Busy        bool                        `json:"busy"`
	CanStart    bool                        `json:"canStart"`
	CanComplete bool                        `json:"canComplete"`
}

// View is a point-in-time copy of everything the dashboard renders for the
// selected subject.
type View struct {
	Subject           *encounter.Subject           `json:"subject"`
	Snapshot          *encounter.Snapshot          `json:"snapshot"`
	HasStructuredNote bool                         `json:"hasStructuredNote"`
	Status            encounter.ConnectivityStatus `json:"status"`
	Polling           bool                         `json:"polling"`
	LastUpdate        *time.Time                   `json:"lastUpdate"`
	Timeline          *encounter.TimelineSummary   `json:"timeline"`
	Consultation      ConsultationView             `json:"consultation"`
	Notice            *Notice                      `json:"notice,omitempty"`
}

type Controller struct {
	gateway       gateway.Gateway
	cache         CacheStore
	poller        *Poller
	consultations *Consultations
	logger        Logger
	now           func() time.Time
	fetchTimeout  time.Duration
	timelineLimit int
	manual        bool

	base       context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu         sync.Mutex
	subject    *encounter.Subject
	ticket     Ticket
	lastKnown  *encounter.CacheEntry
	status     encounter.ConnectivityStatus
	lastUpdate time.Time
	timeline   *encounter.TimelineSummary
	notice     *Notice
	closed     bool

	subsMu  sync.Mutex
	subs    map[int]chan View
	nextSub int
}

func NewController(opts ControllerOptions) *Controller {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	fetchTimeout := opts.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultCycleTimeout
	}
	base, cancel := context.WithCancel(context.Background())
	c := &Controller{
		gateway:       opts.Gateway,
		cache:         opts.Cache,
		logger:        opts.Logger,
		now:           now,
		fetchTimeout:  fetchTimeout,
		timelineLimit: opts.TimelineLimit,
		manual:        opts.Manual,
		base:          base,
		cancelBase:    cancel,
		status:        encounter.StatusConnected,
		subs:          map[int]chan View{},
	}
	c.poller = NewPoller(c.pollCycle, PollerOptions{
		Interval:     opts.Interval,
		Jitter:       opts.Jitter,
		CycleTimeout: fetchTimeout,
		OnStatus:     c.handleStatus,
		Logger:       opts.Logger,
	})
	c.consultations = NewConsultations(opts.Gateway, ConsultationOptions{
		OnAction:    opts.OnConsultationAction,
		OnNotice:    c.handleNotice,
		RefreshHold: opts.ConsultationHold,
		OnRelease:   func(string) { c.emit() },
		Logger:      opts.Logger,
		Now:         now,
	})
	return c
}

// Select makes subject the focus of live polling. A nil subject clears the
// view. Reselecting the current subject only refreshes its record.
func (c *Controller) Select(ctx context.Context, subject *encounter.Subject) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if subject == nil {
		c.poller.Stop()
		c.resetLocked()
		c.subject = nil
		c.mu.Unlock()
		c.emit()
		return
	}
	next := *subject
	if c.subject != nil && c.subject.ID == next.ID {
		c.subject = &next
		c.consultations.Release(next.ID)
		c.mu.Unlock()
		c.emit()
		return
	}

	c.poller.Stop()
	if c.subject != nil {
		c.consultations.Release(c.subject.ID)
	}
	c.resetLocked()
	c.subject = &next
	if c.cache != nil {
		if entry, ok := c.cache.Get(ctx, next.ID); ok {
			c.lastKnown = entry
			c.lastUpdate = entry.FetchedAt
		}
	}
	if c.manual {
		c.ticket = c.poller.StartManual(next.ID)
	} else {
		c.ticket = c.poller.Start(next.ID)
	}
	ticket := c.ticket
	c.wg.Add(1)
	c.mu.Unlock()

	go c.loadTimeline(ticket)
	c.emit()
}

// RefreshSubject replaces the record of the selected subject without
// restarting polling. It reports false when subject is not the one selected.
func (c *Controller) RefreshSubject(subject encounter.Subject) bool {
	c.mu.Lock()
	if c.subject == nil || c.subject.ID != subject.ID {
		c.mu.Unlock()
		return false
	}
	c.subject = &subject
	c.consultations.Release(subject.ID)
	c.mu.Unlock()
	c.emit()
	return true
}

// Push adopts a snapshot delivered from outside the polling loop and writes
// it through to the cache. It follows the same staleness rule as polling, so
// a snapshot without a note id never replaces one that has an id.
func (c *Controller) Push(ctx context.Context, subjectID string, snapshot *encounter.Snapshot) bool {
	if snapshot == nil {
		return false
	}
	c.mu.Lock()
	if c.subject == nil || c.subject.ID != subjectID {
		c.mu.Unlock()
		return false
	}
	if !Changed(c.lastKnown, snapshot) {
		c.mu.Unlock()
		return false
	}
	c.adoptLocked(subjectID, snapshot.Clone())
	c.mu.Unlock()

	c.writeThrough(ctx, subjectID, snapshot)
	c.emit()
	return true
}

// Watch follows cache entries written by other processes and adopts the one
// for the selected subject when it is newer than what is displayed.
func (c *Controller) Watch(ctx context.Context) error {
	watcher, ok := c.cache.(CacheWatcher)
	if !ok {
		return errors.New("cache store does not support watching")
	}
	changes, err := watcher.Watch(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("controller is closed")
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.base.Done():
				return
			case subjectID, ok := <-changes:
				if !ok {
					return
				}
				c.adoptFromCache(ctx, subjectID)
			}
		}
	}()
	return nil
}

// PollNow runs one fetch cycle for the selected subject on the caller's
// goroutine, outside the schedule. It waits for a scheduled fetch of the same
// subject that is in flight, and its outcome drives the connectivity status.
func (c *Controller) PollNow(ctx context.Context) error {
	c.mu.Lock()
	ticket := c.ticket
	c.mu.Unlock()
	if ticket.IsZero() {
		return ErrNoSubject
	}
	return c.poller.RunNow(ctx, ticket)
}

func (c *Controller) StartConsultation(ctx context.Context) error {
	return c.consult(ctx, c.consultations.Start)
}

func (c *Controller) CompleteConsultation(ctx context.Context) error {
	return c.consult(ctx, c.consultations.Complete)
}

func (c *Controller) consult(ctx context.Context, action func(context.Context, encounter.Subject) error) error {
	c.mu.Lock()
	if c.subject == nil {
		c.mu.Unlock()
		return ErrNoSubject
	}
	subject := *c.subject
	c.mu.Unlock()

	err := action(ctx, subject)
	c.emit()
	return err
}

func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	view := View{
		Status:  c.status,
		Polling: c.poller.ActiveTimers() > 0,
	}
	if c.subject != nil {
		subject := *c.subject
		view.Subject = &subject
		view.Consultation = ConsultationView{
			State:       subject.Status,
			Busy:        c.consultations.Busy(subject.ID),
			CanStart:    subject.HasQueueEntry() && subject.Status.CanStart(),
			CanComplete: subject.HasQueueEntry() && subject.Status.CanComplete(),
		}
		if view.Consultation.Busy {
			view.Consultation.CanStart = false
			view.Consultation.CanComplete = false
		}
	}
	if c.lastKnown != nil {
		view.Snapshot = c.lastKnown.Snapshot.Clone()
		view.HasStructuredNote = view.Snapshot.HasStructuredNote()
	}
	if !c.lastUpdate.IsZero() {
		view.LastUpdate = encounter.TimePtr(c.lastUpdate)
	}
	if c.timeline != nil {
		summary := *c.timeline
		summary.Entries = append([]encounter.TimelineEntry(nil), c.timeline.Entries...)
		view.Timeline = &summary
	}
	if c.notice != nil {
		notice := *c.notice
		view.Notice = &notice
	}
	return view
}

// Subscribe delivers views as they change. Only the newest view is kept for
// a slow consumer.
func (c *Controller) Subscribe() (<-chan View, func()) {
	ch := make(chan View, 1)
	c.subsMu.Lock()
	if c.subs == nil {
		c.subsMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.View()
	c.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subsMu.Lock()
			defer c.subsMu.Unlock()
			if existing, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(existing)
			}
		})
	}
}

// Close stops polling, waits for background work and closes subscriptions.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.ticket = Ticket{}
	c.mu.Unlock()

	c.poller.Close()
	c.consultations.Close()
	c.cancelBase()
	c.poller.Wait()
	c.wg.Wait()

	c.subsMu.Lock()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.subs = nil
	c.subsMu.Unlock()
}

// Poller exposes the scheduler for introspection.
func (c *Controller) Poller() *Poller {
	return c.poller
}

func (c *Controller) pollCycle(ctx context.Context, ticket Ticket) error {
	latest, err := c.gateway.FetchLatestNote(ctx, ticket.SubjectID)
	if err != nil {
		return err
	}
	if !latest.HasNote() {
		return nil
	}
	c.applyIncoming(ctx, ticket, latest.Note)
	return nil
}

func (c *Controller) applyIncoming(ctx context.Context, ticket Ticket, snapshot *encounter.Snapshot) {
	c.mu.Lock()
	if c.ticket != ticket {
		c.mu.Unlock()
		c.logf("discarding note for subject %s from stale poll generation %d", ticket.SubjectID, ticket.Generation)
		return
	}
	if !Changed(c.lastKnown, snapshot) {
		if c.lastKnown != nil {
			c.lastKnown.CheckedAt = c.now().UTC()
		}
		c.mu.Unlock()
		return
	}
	c.adoptLocked(ticket.SubjectID, snapshot)
	c.mu.Unlock()

	c.logf("new note detected for subject %s", ticket.SubjectID)
	c.writeThrough(ctx, ticket.SubjectID, snapshot)
	c.emit()
}

func (c *Controller) adoptFromCache(ctx context.Context, subjectID string) {
	c.mu.Lock()
	current := c.subject != nil && c.subject.ID == subjectID
	c.mu.Unlock()
	if !current || c.cache == nil {
		return
	}
	entry, ok := c.cache.Get(ctx, subjectID)
	if !ok {
		return
	}

	c.mu.Lock()
	if c.subject == nil || c.subject.ID != subjectID || !Changed(c.lastKnown, entry.Snapshot) {
		c.mu.Unlock()
		return
	}
	c.lastKnown = entry
	c.lastUpdate = entry.FetchedAt
	c.mu.Unlock()
	c.emit()
}

func (c *Controller) adoptLocked(subjectID string, snapshot *encounter.Snapshot) {
	now := c.now().UTC()
	c.lastKnown = &encounter.CacheEntry{
		SubjectID: subjectID,
		Snapshot:  snapshot,
		FetchedAt: now,
		CheckedAt: now,
	}
	c.lastUpdate = now
}

func (c *Controller) writeThrough(ctx context.Context, subjectID string, snapshot *encounter.Snapshot) {
	if c.cache == nil {
		return
	}
	if c.cache.Put(ctx, subjectID, snapshot) == nil {
		c.logf("cache write skipped for subject %s", subjectID)
	}
}

func (c *Controller) loadTimeline(ticket Ticket) {
	defer c.wg.Done()
	ctx, cancel := context.WithTimeout(c.base, c.fetchTimeout)
	defer cancel()
	timeline, err := c.gateway.FetchTimeline(ctx, ticket.SubjectID)
	if err != nil {
		c.logf("timeline fetch failed for subject %s: %v", ticket.SubjectID, err)
		return
	}
	summary := encounter.SummarizeTimeline(timeline.Entries, c.timelineLimit)

	c.mu.Lock()
	if c.ticket != ticket {
		c.mu.Unlock()
		return
	}
	c.timeline = &summary
	c.mu.Unlock()
	c.emit()
}

func (c *Controller) handleStatus(ticket Ticket, status encounter.ConnectivityStatus) {
	c.mu.Lock()
	if c.ticket != ticket || c.status == status {
		c.mu.Unlock()
		return
	}
	c.status = status
	c.mu.Unlock()
	c.emit()
}

func (c *Controller) handleNotice(notice Notice) {
	c.mu.Lock()
	c.notice = &notice
	c.mu.Unlock()
	c.emit()
}

func (c *Controller) resetLocked() {
	c.ticket = Ticket{}
	c.lastKnown = nil
	c.lastUpdate = time.Time{}
	c.timeline = nil
	c.notice = nil
	c.status = encounter.StatusConnected
}

func (c *Controller) emit() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if len(c.subs) == 0 {
		return
	}
	view := c.View()
	for _, ch := range c.subs {
		select {
		case ch <- view:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- view:
		default:
		}
	}
}

func (c *Controller) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
