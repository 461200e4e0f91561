package livesync

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/swasya/livesync/internal/encounter"
)

const (
	DefaultPollInterval = 3 * time.Second
	DefaultCycleTimeout = 15 * time.Second
)

// ErrStaleTicket is returned by RunNow for a session that is no longer the
// running one.
var ErrStaleTicket = errors.New("poll session is no longer current")

type PollerState string

const (
	PollerStopped PollerState = "stopped"
	PollerRunning PollerState = "running"
)

// Ticket identifies one Running session of the poller. Generation increases
// on every Start, so a reselected subject gets a fresh ticket and late
// results from its previous session can be told apart.
type Ticket struct {
	SubjectID  string
	Generation uint64
}

func (t Ticket) IsZero() bool {
	return t.Generation == 0
}

type CycleFunc func(ctx context.Context, ticket Ticket) error

type PollerOptions struct {
	Interval     time.Duration
	Jitter       float64
	CycleTimeout time.Duration
	OnStatus     func(ticket Ticket, status encounter.ConnectivityStatus)
	Logger       Logger
}

// Poller runs one fetch cycle immediately on Start and then one per interval
// for the selected subject. At most one cycle per subject is in flight at a
// time, across sessions and RunNow calls; the timer is re-armed only after a
// cycle returns.
type Poller struct {
	cycle        CycleFunc
	interval     time.Duration
	jitter       float64
	cycleTimeout time.Duration
	onStatus     func(Ticket, encounter.ConnectivityStatus)
	logger       Logger

	base       context.Context
	cancelBase context.CancelFunc

	mu         sync.Mutex
	state      PollerState
	current    Ticket
	generation uint64
	loops      map[uint64]context.CancelFunc
	inflight   map[string]*cycleSlot
	status     encounter.ConnectivityStatus
	rng        *rand.Rand

	wg sync.WaitGroup
}

func NewPoller(cycle CycleFunc, opts PollerOptions) *Poller {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	cycleTimeout := opts.CycleTimeout
	if cycleTimeout <= 0 {
		cycleTimeout = DefaultCycleTimeout
	}
	base, cancel := context.WithCancel(context.Background())
	return &Poller{
		cycle:        cycle,
		interval:     interval,
		jitter:       ClampJitterRatio(opts.Jitter),
		cycleTimeout: cycleTimeout,
		onStatus:     opts.OnStatus,
		logger:       opts.Logger,
		base:         base,
		cancelBase:   cancel,
		state:        PollerStopped,
		loops:        map[uint64]context.CancelFunc{},
		inflight:     map[string]*cycleSlot{},
		status:       encounter.StatusConnected,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start stops any running session and begins polling subjectID.
func (p *Poller) Start(subjectID string) Ticket {
	return p.start(subjectID, true)
}

// StartManual opens a session for subjectID without a timer. Its cycles run
// only through RunNow.
func (p *Poller) StartManual(subjectID string) Ticket {
	return p.start(subjectID, false)
}

func (p *Poller) start(subjectID string, scheduled bool) Ticket {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	if p.base.Err() != nil {
		return Ticket{}
	}
	p.generation++
	ticket := Ticket{SubjectID: subjectID, Generation: p.generation}
	p.state = PollerRunning
	p.current = ticket
	p.status = encounter.StatusConnected
	if !scheduled {
		return ticket
	}
	loopCtx, cancel := context.WithCancel(p.base)
	p.loops[ticket.Generation] = cancel
	p.wg.Add(1)
	go p.loop(loopCtx, ticket)
	p.logf("live polling started for subject %s (generation %d)", subjectID, ticket.Generation)
	return ticket
}

// Stop is idempotent. A cycle already in flight is not interrupted; its
// ticket is simply no longer current.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == PollerStopped && len(p.loops) == 0 {
		return
	}
	subjectID := p.current.SubjectID
	p.stopLocked()
	p.logf("live polling stopped for subject %s", subjectID)
}

func (p *Poller) stopLocked() {
	for generation, cancel := range p.loops {
		cancel()
		delete(p.loops, generation)
	}
	p.state = PollerStopped
	p.current = Ticket{}
}

// Close stops polling and aborts any in-flight cycle.
func (p *Poller) Close() {
	p.Stop()
	p.cancelBase()
}

func (p *Poller) Wait() {
	p.wg.Wait()
}

func (p *Poller) State() PollerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Poller) Current() Ticket {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Subject is the subject being polled, or "" when stopped.
func (p *Poller) Subject() string {
	return p.Current().SubjectID
}

func (p *Poller) IsCurrent(ticket Ticket) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == PollerRunning && !ticket.IsZero() && p.current == ticket
}

func (p *Poller) ActiveTimers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.loops)
}

func (p *Poller) Status() encounter.ConnectivityStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// RunNow runs one cycle for ticket on the caller's goroutine. It waits for a
// cycle of the same subject that is already in flight and reports status the
// same way scheduled cycles do.
func (p *Poller) RunNow(ctx context.Context, ticket Ticket) error {
	if !p.IsCurrent(ticket) {
		return ErrStaleTicket
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.base, cancel)
	defer stop()
	return p.execute(ctx, ctx, ticket)
}

func (p *Poller) loop(ctx context.Context, ticket Ticket) {
	defer p.wg.Done()
	p.runCycle(ctx, ticket)
	timer := time.NewTimer(p.nextDelay())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			p.runCycle(ctx, ticket)
			timer.Reset(p.nextDelay())
		}
	}
}

func (p *Poller) runCycle(loopCtx context.Context, ticket Ticket) {
	if loopCtx.Err() != nil {
		return
	}
	// The fetch outlives Stop; only Close aborts it.
	_ = p.execute(loopCtx, p.base, ticket)
}

// execute waits on waitCtx for the subject's slot, then runs the cycle with
// a timeout derived from parent if ticket is still current.
func (p *Poller) execute(waitCtx, parent context.Context, ticket Ticket) error {
	release, err := p.acquire(waitCtx, ticket.SubjectID)
	if err != nil {
		return err
	}
	defer release()
	if !p.IsCurrent(ticket) {
		return ErrStaleTicket
	}
	p.setStatus(ticket, encounter.StatusConnecting)
	cycleCtx, cancel := context.WithTimeout(parent, p.cycleTimeout)
	defer cancel()
	if err := p.safeCycle(cycleCtx, ticket); err != nil {
		p.logf("polling cycle failed for subject %s: %v", ticket.SubjectID, err)
		p.setStatus(ticket, encounter.StatusError)
		return err
	}
	p.setStatus(ticket, encounter.StatusConnected)
	return nil
}

// cycleSlot admits one cycle per subject. refs counts holders and waiters so
// the slot can be dropped once nobody uses it.
type cycleSlot struct {
	sem  chan struct{}
	refs int
}

func (p *Poller) acquire(ctx context.Context, subjectID string) (func(), error) {
	p.mu.Lock()
	slot, ok := p.inflight[subjectID]
	if !ok {
		slot = &cycleSlot{sem: make(chan struct{}, 1)}
		p.inflight[subjectID] = slot
	}
	slot.refs++
	p.mu.Unlock()

	done := func() {
		p.mu.Lock()
		slot.refs--
		if slot.refs == 0 {
			delete(p.inflight, subjectID)
		}
		p.mu.Unlock()
	}
	select {
	case slot.sem <- struct{}{}:
		return func() {
			<-slot.sem
			done()
		}, nil
	case <-ctx.Done():
		done()
		return nil, ctx.Err()
	}
}

func (p *Poller) safeCycle(ctx context.Context, ticket Ticket) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("polling cycle panic: %v", r)
		}
	}()
	if p.cycle == nil {
		return nil
	}
	return p.cycle(ctx, ticket)
}

func (p *Poller) setStatus(ticket Ticket, status encounter.ConnectivityStatus) {
	p.mu.Lock()
	if p.state != PollerRunning || p.current != ticket {
		p.mu.Unlock()
		return
	}
	p.status = status
	observer := p.onStatus
	p.mu.Unlock()
	if observer != nil {
		observer(ticket, status)
	}
}

func (p *Poller) nextDelay() time.Duration {
	p.mu.Lock()
	sample := p.rng.Float64()
	p.mu.Unlock()
	return JitteredIntervalWithSample(p.interval, p.jitter, sample)
}

func (p *Poller) logf(format string, args ...any) {
	if p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}

func ClampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func JitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = ClampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
