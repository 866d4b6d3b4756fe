// Package track is the orchestrating state machine. It consumes external
// signals, drives the entry store and enforces timing policy: switch
// debouncing, periodic auto-save, day-boundary splitting and crash recovery.
// All state transitions run on a single goroutine; signal sources and API
// callers only ever feed its channels.
package track

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"timeclerk/internal/model"
	"timeclerk/internal/resolve"
	"timeclerk/internal/storage/sqlite"
)

var ErrPermissionUnavailable = errors.New("required OS capability unavailable")

type State string

const (
	StateIdle               State = "idle"
	StateTracking           State = "tracking"
	StatePaused             State = "paused"
	StatePermissionRequired State = "permission-required"
)

type PauseReason string

const (
	PauseNone        PauseReason = ""
	PauseUser        PauseReason = "user"
	PauseSystemIdle  PauseReason = "system-idle"
	PauseSleep       PauseReason = "system-sleep"
	PauseLocked      PauseReason = "screen-locked"
	PauseManualTimer PauseReason = "manual-timer"
)

// Store is the slice of the entry store the coordinator drives.
type Store interface {
	Create(p sqlite.CreateParams) (model.TimeEntry, error)
	Get(id string) (model.TimeEntry, error)
	Finalize(id string, end time.Time) error
	AutoSave(id string, now time.Time) error
	SplitAtDayBoundary(id string, now time.Time) (string, error)
	RecoverInProgress() (int, error)
	ListOverrides() ([]model.TicketOverride, error)
	ListActivePatterns() ([]model.LearnedPattern, error)
}

// Options holds the coordinator's timing policy.
type Options struct {
	MinSwitchDuration       time.Duration // context switches shorter than this are ignored
	AutoSaveInterval        time.Duration
	PermissionRetryInterval time.Duration
	IdleThreshold           time.Duration // inactivity before tracking pauses
	IdleCheckInterval       time.Duration
}

func (o *Options) applyDefaults() {
	if o.MinSwitchDuration <= 0 {
		o.MinSwitchDuration = 30 * time.Second
	}
	if o.AutoSaveInterval <= 0 {
		o.AutoSaveInterval = 60 * time.Second
	}
	if o.PermissionRetryInterval <= 0 {
		o.PermissionRetryInterval = 10 * time.Second
	}
	if o.IdleThreshold <= 0 {
		o.IdleThreshold = 300 * time.Second
	}
	if o.IdleCheckInterval <= 0 {
		o.IdleCheckInterval = 15 * time.Second
	}
}

// Status is the observable coordinator state for presentation.
type Status struct {
	State     State
	Reason    PauseReason
	EntryID   string
	Ticket    string
	Label     string
	StartedAt time.Time
}

// ElapsedSeconds returns how long the current entry has been open.
func (s Status) ElapsedSeconds(now time.Time) int64 {
	if s.EntryID == "" || s.StartedAt.IsZero() {
		return 0
	}
	d := now.Sub(s.StartedAt)
	if d < 0 {
		return 0
	}
	return int64(d.Seconds())
}

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdPause
	cmdResume
	cmdManualStart
	cmdManualStop
)

type command struct {
	kind       cmdKind
	reason     PauseReason
	label      string
	linkedItem string
	reply      chan error
}

type Coordinator struct {
	store    Store
	resolver *resolve.Resolver
	contexts ContextSource
	activity ActivitySource
	opts     Options
	now      func() time.Time

	commands chan command

	// Everything below is owned by the run loop.
	state        State
	reason       PauseReason
	current      *model.TimeEntry // the explicit in-progress entry, nil when none
	currentCtx   ContextEvent
	pending      *ContextEvent // switch awaiting the debounce threshold
	autoActive   bool          // Start was called and Stop was not
	resumeState  State         // state to restore when the manual timer stops
	resumeReason PauseReason
	debounce     *time.Timer
	midnight     *time.Timer
	permRetry    *time.Ticker

	saving sync.Map // entry id -> in-flight auto-save guard

	statusMu sync.Mutex
	status   Status
}

func New(store Store, resolver *resolve.Resolver, contexts ContextSource, activity ActivitySource, opts Options) *Coordinator {
	opts.applyDefaults()
	return &Coordinator{
		store:    store,
		resolver: resolver,
		contexts: contexts,
		activity: activity,
		opts:     opts,
		now:      time.Now,
		commands: make(chan command),
		state:    StateIdle,
	}
}

// Start begins automatic tracking. It returns ErrPermissionUnavailable when
// the required OS capability is missing; the coordinator then waits in the
// permission-required state and begins tracking once the capability appears.
func (c *Coordinator) Start() error { return c.send(command{kind: cmdStart}) }

// Stop ends all tracking and finalizes the open entry.
func (c *Coordinator) Stop() error { return c.send(command{kind: cmdStop}) }

// Pause suspends automatic tracking for a user-initiated reason.
func (c *Coordinator) Pause(reason PauseReason) error {
	return c.send(command{kind: cmdPause, reason: reason})
}

// Resume continues automatic tracking after a user pause.
func (c *Coordinator) Resume() error { return c.send(command{kind: cmdResume}) }

// StartManualTimer finalizes any open entry and opens a labeled manual entry.
// Context-switch driven entries are suppressed while it runs.
func (c *Coordinator) StartManualTimer(label, linkedItem string) error {
	return c.send(command{kind: cmdManualStart, label: label, linkedItem: linkedItem})
}

// StopManualTimer finalizes the manual entry and resumes automatic tracking
// if it was active before the timer started.
func (c *Coordinator) StopManualTimer() error { return c.send(command{kind: cmdManualStop}) }

// Status returns the current observable state.
func (c *Coordinator) Status() Status {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	return c.status
}

func (c *Coordinator) send(cmd command) error {
	cmd.reply = make(chan error, 1)
	c.commands <- cmd
	return <-cmd.reply
}

// Run executes the coordinator loop until ctx is cancelled. Crash recovery
// runs first, before any new tracking can begin.
func (c *Coordinator) Run(ctx context.Context) error {
	if n, err := c.store.RecoverInProgress(); err != nil {
		log.Printf("crash recovery failed: %v", err)
	} else if n > 0 {
		log.Printf("recovered %d in-progress entries from unclean shutdown", n)
	}

	autosave := time.NewTicker(c.opts.AutoSaveInterval)
	defer autosave.Stop()

	idleCheck := time.NewTicker(c.opts.IdleCheckInterval)
	defer idleCheck.Stop()

	c.midnight = time.NewTimer(time.Until(model.NextMidnight(c.now())))
	defer c.midnight.Stop()

	c.publishStatus()

	for {
		select {
		case <-ctx.Done():
			c.finalizeCurrent(c.now())
			c.stopTimers()
			c.publishStatus()
			return ctx.Err()
		case cmd := <-c.commands:
			cmd.reply <- c.handleCommand(cmd)
		case ev := <-c.contexts.Events():
			c.onContextEvent(ev)
		case ev := <-c.activity.Events():
			c.onActivityEvent(ev)
		case <-autosave.C:
			c.onAutoSaveTick()
		case <-idleCheck.C:
			c.onIdleCheck(c.now())
		case <-c.midnight.C:
			c.onMidnight(c.now())
			c.midnight.Reset(time.Until(model.NextMidnight(c.now())))
		case <-c.debounceChan():
			c.commitPendingSwitch()
		case <-c.permRetryChan():
			c.tryBeginTracking(c.now())
		}
		c.publishStatus()
	}
}

// debounceChan returns a nil (never ready) channel while no switch is pending.
func (c *Coordinator) debounceChan() <-chan time.Time {
	if c.debounce == nil {
		return nil
	}
	return c.debounce.C
}

func (c *Coordinator) permRetryChan() <-chan time.Time {
	if c.permRetry == nil {
		return nil
	}
	return c.permRetry.C
}

func (c *Coordinator) handleCommand(cmd command) error {
	now := c.now()
	switch cmd.kind {
	case cmdStart:
		if c.state != StateIdle && c.state != StatePermissionRequired {
			return nil
		}
		c.autoActive = true
		return c.tryBeginTracking(now)

	case cmdStop:
		c.finalizeCurrent(now)
		c.cancelPending()
		c.stopPermRetry()
		c.autoActive = false
		c.state = StateIdle
		c.reason = PauseNone
		return nil

	case cmdPause:
		reason := cmd.reason
		if reason == PauseNone {
			reason = PauseUser
		}
		if c.state != StateTracking {
			return nil
		}
		c.finalizeCurrent(now)
		c.cancelPending()
		c.state = StatePaused
		c.reason = reason
		return nil

	case cmdResume:
		if c.state != StatePaused {
			return nil
		}
		return c.tryBeginTracking(now)

	case cmdManualStart:
		c.finalizeCurrent(now)
		c.cancelPending()
		c.stopPermRetry()
		// Remember what to return to when the timer stops. A second manual
		// start keeps the snapshot from before the first.
		if c.reason != PauseManualTimer {
			c.resumeState = c.state
			c.resumeReason = c.reason
		}
		overrides := c.loadOverrides()
		res := c.resolver.Resolve("manual", cmd.label, overrides)
		entry, err := c.store.Create(sqlite.CreateParams{
			Start:      now,
			Source:     model.SourceManual,
			Ticket:     res.Ticket,
			Label:      cmd.label,
			LinkedItem: cmd.linkedItem,
		})
		if err != nil {
			log.Printf("manual timer create failed: %v", err)
			return err
		}
		c.current = &entry
		c.state = StatePaused
		c.reason = PauseManualTimer
		return nil

	case cmdManualStop:
		if c.reason != PauseManualTimer {
			return nil
		}
		c.finalizeCurrent(now)
		state, reason := c.resumeState, c.resumeReason
		c.resumeState, c.resumeReason = StateIdle, PauseNone
		switch state {
		case StateTracking, StatePermissionRequired:
			// Automatic tracking was active before the timer; pick it up again.
			return c.tryBeginTracking(now)
		case StatePaused:
			c.state = StatePaused
			c.reason = reason
			return nil
		}
		c.state = StateIdle
		c.reason = PauseNone
		return nil
	}
	return nil
}

// tryBeginTracking re-observes the active context and opens an entry for it.
// While the context source lacks permission the coordinator parks in the
// permission-required state and retries periodically.
func (c *Coordinator) tryBeginTracking(now time.Time) error {
	ev, err := c.contexts.Current()
	if errors.Is(err, ErrPermissionUnavailable) {
		c.state = StatePermissionRequired
		c.reason = PauseNone
		if c.permRetry == nil {
			c.permRetry = time.NewTicker(c.opts.PermissionRetryInterval)
		}
		return ErrPermissionUnavailable
	}
	if err != nil {
		log.Printf("current context query failed: %v", err)
		c.state = StateTracking
		c.reason = PauseNone
		return nil
	}
	c.stopPermRetry()
	c.state = StateTracking
	c.reason = PauseNone
	if ev.At.IsZero() {
		ev.At = now
	}
	c.openEntryFor(ev, now)
	return nil
}

func (c *Coordinator) onContextEvent(ev ContextEvent) {
	if c.state != StateTracking {
		return
	}
	if ev.At.IsZero() {
		ev.At = c.now()
	}

	if c.current != nil && ev.ContextID == c.currentCtx.ContextID {
		// Reverted to the current context before the debounce threshold:
		// the short-lived switch is ignored and time keeps accruing here.
		c.cancelPending()
		return
	}
	if c.pending != nil && ev.ContextID == c.pending.ContextID {
		return
	}

	pending := ev
	c.pending = &pending
	if c.debounce == nil {
		c.debounce = time.NewTimer(c.opts.MinSwitchDuration)
	} else {
		if !c.debounce.Stop() {
			select {
			case <-c.debounce.C:
			default:
			}
		}
		c.debounce.Reset(c.opts.MinSwitchDuration)
	}
}

// commitPendingSwitch runs when a new context survived the debounce window:
// one finalize, one create.
func (c *Coordinator) commitPendingSwitch() {
	if c.pending == nil || c.state != StateTracking {
		return
	}
	ev := *c.pending
	c.pending = nil
	c.finalizeCurrent(ev.At)
	c.openEntryFor(ev, ev.At)
}

func (c *Coordinator) onActivityEvent(ev ActivityEvent) {
	if ev.At.IsZero() {
		ev.At = c.now()
	}

	switch ev.Kind {
	case IdleStart, SleepStart, Lock:
		if c.state != StateTracking {
			return
		}
		c.finalizeCurrent(ev.At)
		c.cancelPending()
		c.state = StatePaused
		c.reason = pauseReasonFor(ev.Kind)

	case IdleEnd, Wake, Unlock:
		if c.state != StatePaused || c.reason != pauseReasonFor(resumeCounterpart(ev.Kind)) {
			return
		}
		if !c.autoActive {
			return
		}
		if err := c.tryBeginTracking(ev.At); err != nil {
			log.Printf("resume after %s failed: %v", ev.Kind, err)
		}
	}
}

// onIdleCheck polls the activity source. Sources that cannot deliver explicit
// idle events still trigger the idle pause once the reported inactivity
// crosses the threshold; the entry is finalized back at the moment input
// stopped so idle time does not accrue.
func (c *Coordinator) onIdleCheck(now time.Time) {
	secs, err := c.activity.IdleSeconds()
	if err != nil {
		log.Printf("idle query failed: %v", err)
		return
	}
	idle := time.Duration(secs) * time.Second

	switch {
	case c.state == StateTracking && idle >= c.opts.IdleThreshold:
		c.finalizeCurrent(now.Add(-idle))
		c.cancelPending()
		c.state = StatePaused
		c.reason = PauseSystemIdle

	case c.state == StatePaused && c.reason == PauseSystemIdle && c.autoActive && idle < c.opts.IdleThreshold:
		if err := c.tryBeginTracking(now); err != nil {
			log.Printf("resume after idle failed: %v", err)
		}
	}
}

func pauseReasonFor(k ActivityKind) PauseReason {
	switch k {
	case IdleStart:
		return PauseSystemIdle
	case SleepStart:
		return PauseSleep
	case Lock:
		return PauseLocked
	default:
		return PauseNone
	}
}

func resumeCounterpart(k ActivityKind) ActivityKind {
	switch k {
	case IdleEnd:
		return IdleStart
	case Wake:
		return SleepStart
	case Unlock:
		return Lock
	default:
		return k
	}
}

// openEntryFor resolves the signal to a ticket, applies learned-pattern
// auto-approval and opens the new in-progress entry. Failures are logged and
// tracking continues; losing one entry must never stop the next.
func (c *Coordinator) openEntryFor(ev ContextEvent, start time.Time) {
	overrides := c.loadOverrides()
	res := c.resolver.Resolve(ev.Scope, ev.Text, overrides)

	params := sqlite.CreateParams{
		Start:  start,
		Source: model.SourceAutomatic,
		Ticket: res.Ticket,
		Context: map[string]string{
			"context_id": ev.ContextID,
			"scope":      ev.Scope,
			"signal":     ev.Text,
			"rule":       string(res.Rule),
		},
	}

	patterns, err := c.store.ListActivePatterns()
	if err != nil {
		log.Printf("learned pattern lookup failed: %v", err)
	} else if p, ok := resolve.MatchPattern(patterns, ev.SignalType, ev.Text); ok {
		params.AutoApproved = true
		params.PatternID = p.ID
		params.LinkedItem = p.LinkedItem
		if p.Ticket != "" {
			params.Ticket = p.Ticket
		}
	}

	entry, err := c.store.Create(params)
	if err != nil {
		log.Printf("entry create failed context=%s err=%v", ev.ContextID, err)
		c.current = nil
		return
	}
	c.current = &entry
	c.currentCtx = ev
}

func (c *Coordinator) finalizeCurrent(end time.Time) {
	if c.current == nil {
		return
	}
	if err := c.store.Finalize(c.current.ID, end); err != nil {
		log.Printf("finalize failed id=%s err=%v", c.current.ID, err)
	}
	c.current = nil
	c.currentCtx = ContextEvent{}
}

// onAutoSaveTick dispatches a fire-and-forget duration refresh for the open
// entry. The loop never blocks on persistence; at most one save per entry is
// in flight.
func (c *Coordinator) onAutoSaveTick() {
	if c.current == nil {
		return
	}
	id := c.current.ID
	if _, busy := c.saving.LoadOrStore(id, struct{}{}); busy {
		return
	}
	now := c.now()
	go func() {
		defer c.saving.Delete(id)
		if err := c.store.AutoSave(id, now); err != nil {
			log.Printf("auto-save failed id=%s err=%v", id, err)
		}
	}()
}

// onMidnight splits the open entry at the day boundary and continues tracking
// in the successor entry.
func (c *Coordinator) onMidnight(now time.Time) {
	if c.current == nil {
		return
	}
	succID, err := c.store.SplitAtDayBoundary(c.current.ID, now)
	if err != nil {
		log.Printf("day-boundary split failed id=%s err=%v", c.current.ID, err)
		return
	}
	if succID == "" {
		return
	}
	succ, err := c.store.Get(succID)
	if err != nil {
		log.Printf("day-boundary successor load failed id=%s err=%v", succID, err)
		c.current = nil
		return
	}
	c.current = &succ
}

func (c *Coordinator) loadOverrides() []model.TicketOverride {
	overrides, err := c.store.ListOverrides()
	if err != nil {
		log.Printf("override lookup failed: %v", err)
		return nil
	}
	return overrides
}

func (c *Coordinator) cancelPending() {
	c.pending = nil
	if c.debounce != nil {
		if !c.debounce.Stop() {
			select {
			case <-c.debounce.C:
			default:
			}
		}
	}
}

func (c *Coordinator) stopPermRetry() {
	if c.permRetry != nil {
		c.permRetry.Stop()
		c.permRetry = nil
	}
}

func (c *Coordinator) stopTimers() {
	c.cancelPending()
	c.stopPermRetry()
}

func (c *Coordinator) publishStatus() {
	s := Status{State: c.state, Reason: c.reason}
	if c.current != nil {
		s.EntryID = c.current.ID
		s.Ticket = c.current.Ticket
		s.Label = c.current.Label
		s.StartedAt = c.current.Start
	}
	c.statusMu.Lock()
	c.status = s
	c.statusMu.Unlock()
}
