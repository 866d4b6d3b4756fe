package track

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"timeclerk/internal/model"
	"timeclerk/internal/resolve"
	"timeclerk/internal/storage/sqlite"
)

type fakeContextSource struct {
	ch chan ContextEvent

	mu      sync.Mutex
	current ContextEvent
	err     error
}

func (f *fakeContextSource) Events() <-chan ContextEvent { return f.ch }

func (f *fakeContextSource) Current() (ContextEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, f.err
}

func (f *fakeContextSource) set(ev ContextEvent, err error) {
	f.mu.Lock()
	f.current = ev
	f.err = err
	f.mu.Unlock()
}

type fakeActivitySource struct {
	ch chan ActivityEvent

	mu   sync.Mutex
	idle int
}

func (f *fakeActivitySource) Events() <-chan ActivityEvent { return f.ch }

func (f *fakeActivitySource) IdleSeconds() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.idle, nil
}

func (f *fakeActivitySource) setIdle(seconds int) {
	f.mu.Lock()
	f.idle = seconds
	f.mu.Unlock()
}

type harness struct {
	coord    *Coordinator
	store    *sqlite.Store
	contexts *fakeContextSource
	activity *fakeActivitySource
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "track-test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	resolver, err := resolve.New([]string{`^(main|master)$`})
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}

	contexts := &fakeContextSource{ch: make(chan ContextEvent, 16)}
	activity := &fakeActivitySource{ch: make(chan ActivityEvent, 16)}

	coord := New(store, resolver, contexts, activity, Options{
		MinSwitchDuration:       50 * time.Millisecond,
		AutoSaveInterval:        20 * time.Millisecond,
		PermissionRetryInterval: 20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = coord.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &harness{coord: coord, store: store, contexts: contexts, activity: activity}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) allEntries(t *testing.T) []model.TimeEntry {
	t.Helper()
	entries, err := h.store.EntriesInRange(time.Now().AddDate(0, 0, -2), time.Now().AddDate(0, 0, 2))
	if err != nil {
		t.Fatalf("EntriesInRange failed: %v", err)
	}
	return entries
}

func branchCtx(id, branch string) ContextEvent {
	return ContextEvent{ContextID: id, Scope: "git", SignalType: "branch", Text: branch, At: time.Now()}
}

func TestStartOpensEntryForCurrentContext(t *testing.T) {
	h := newHarness(t)
	h.contexts.set(branchCtx("editor", "feature/PROJ-42-login"), nil)

	if err := h.coord.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, "tracking state", func() bool { return h.coord.Status().State == StateTracking })
	status := h.coord.Status()
	if status.Ticket != "PROJ-42" {
		t.Fatalf("ticket = %q, want PROJ-42", status.Ticket)
	}
	if status.ElapsedSeconds(time.Now().Add(2*time.Second)) < 1 {
		t.Fatal("elapsed seconds not advancing")
	}

	entry, open, err := h.store.InProgress()
	if err != nil || !open {
		t.Fatalf("expected open entry: open=%v err=%v", open, err)
	}
	if entry.Source != model.SourceAutomatic || entry.Ticket != "PROJ-42" {
		t.Fatalf("entry = %+v", entry)
	}
}

func TestShortSwitchIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.contexts.set(branchCtx("editor", "feature/PROJ-1-a"), nil)
	if err := h.coord.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "tracking", func() bool { return h.coord.Status().State == StateTracking })
	first := h.coord.Status().EntryID

	// Switch away and revert within the debounce window.
	h.contexts.ch <- branchCtx("browser", "PROJ-2 review")
	time.Sleep(10 * time.Millisecond)
	h.contexts.ch <- branchCtx("editor", "feature/PROJ-1-a")

	// Well past the debounce threshold nothing must have changed.
	time.Sleep(120 * time.Millisecond)
	if got := h.coord.Status().EntryID; got != first {
		t.Fatalf("entry changed after reverted switch: %s -> %s", first, got)
	}
	if entries := h.allEntries(t); len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
}

func TestPersistentSwitchFinalizesAndCreates(t *testing.T) {
	h := newHarness(t)
	h.contexts.set(branchCtx("editor", "feature/PROJ-1-a"), nil)
	if err := h.coord.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "tracking", func() bool { return h.coord.Status().State == StateTracking })
	first := h.coord.Status().EntryID

	h.contexts.ch <- branchCtx("browser", "PROJ-2 review")

	waitFor(t, "switch commit", func() bool { return h.coord.Status().EntryID != first })

	entries := h.allEntries(t)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want exactly 2 (one finalize + one create)", len(entries))
	}
	var finalized, open int
	for _, e := range entries {
		if e.InProgress {
			open++
			if e.Ticket != "PROJ-2" {
				t.Fatalf("new entry ticket = %q, want PROJ-2", e.Ticket)
			}
		} else {
			finalized++
		}
	}
	if finalized != 1 || open != 1 {
		t.Fatalf("finalized=%d open=%d, want 1/1", finalized, open)
	}
}

func TestIdlePauseAndResume(t *testing.T) {
	h := newHarness(t)
	h.contexts.set(branchCtx("editor", "feature/PROJ-1-a"), nil)
	if err := h.coord.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "tracking", func() bool { return h.coord.Status().State == StateTracking })

	idleAt := time.Now()
	h.activity.ch <- ActivityEvent{Kind: IdleStart, At: idleAt}
	waitFor(t, "paused", func() bool {
		s := h.coord.Status()
		return s.State == StatePaused && s.Reason == PauseSystemIdle
	})

	if _, open, _ := h.store.InProgress(); open {
		t.Fatal("entry must be finalized on idle-start")
	}

	// A wake event does not resume an idle pause; only idle-end does.
	h.activity.ch <- ActivityEvent{Kind: Wake, At: time.Now()}
	time.Sleep(30 * time.Millisecond)
	if s := h.coord.Status(); s.State != StatePaused {
		t.Fatalf("wake resumed an idle pause: %+v", s)
	}

	h.activity.ch <- ActivityEvent{Kind: IdleEnd, At: time.Now()}
	waitFor(t, "resumed", func() bool { return h.coord.Status().State == StateTracking })

	if _, open, _ := h.store.InProgress(); !open {
		t.Fatal("resume must reopen an entry for the current context")
	}
}

func TestLockUnlockRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.contexts.set(branchCtx("editor", "feature/PROJ-1-a"), nil)
	if err := h.coord.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "tracking", func() bool { return h.coord.Status().State == StateTracking })

	h.activity.ch <- ActivityEvent{Kind: Lock, At: time.Now()}
	waitFor(t, "locked pause", func() bool { return h.coord.Status().Reason == PauseLocked })

	h.activity.ch <- ActivityEvent{Kind: Unlock, At: time.Now()}
	waitFor(t, "unlocked", func() bool { return h.coord.Status().State == StateTracking })
}

func TestManualTimerSuppressesAutomaticTracking(t *testing.T) {
	h := newHarness(t)
	h.contexts.set(branchCtx("editor", "feature/PROJ-1-a"), nil)
	if err := h.coord.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "tracking", func() bool { return h.coord.Status().State == StateTracking })

	if err := h.coord.StartManualTimer("standup notes OPS-7", ""); err != nil {
		t.Fatalf("StartManualTimer failed: %v", err)
	}
	waitFor(t, "manual timer", func() bool { return h.coord.Status().Reason == PauseManualTimer })

	status := h.coord.Status()
	if status.Label != "standup notes OPS-7" || status.Ticket != "OPS-7" {
		t.Fatalf("manual entry status = %+v", status)
	}
	manualID := status.EntryID

	// Context switches are suppressed while the manual timer runs.
	h.contexts.ch <- branchCtx("browser", "PROJ-9 docs")
	time.Sleep(120 * time.Millisecond)
	if got := h.coord.Status().EntryID; got != manualID {
		t.Fatalf("context switch broke through manual timer: %s", got)
	}

	if err := h.coord.StopManualTimer(); err != nil {
		t.Fatalf("StopManualTimer failed: %v", err)
	}
	// Automatic tracking was active before, so it resumes.
	waitFor(t, "auto resumed", func() bool {
		s := h.coord.Status()
		return s.State == StateTracking && s.EntryID != "" && s.EntryID != manualID
	})

	manual, err := h.store.Get(manualID)
	if err != nil {
		t.Fatalf("Get manual entry: %v", err)
	}
	if manual.InProgress || manual.Source != model.SourceManual {
		t.Fatalf("manual entry = %+v", manual)
	}
}

func TestManualStopRestoresUserPause(t *testing.T) {
	h := newHarness(t)
	h.contexts.set(branchCtx("editor", "feature/PROJ-1-a"), nil)
	if err := h.coord.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "tracking", func() bool { return h.coord.Status().State == StateTracking })

	if err := h.coord.Pause(PauseUser); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	waitFor(t, "user pause", func() bool { return h.coord.Status().Reason == PauseUser })

	if err := h.coord.StartManualTimer("incident call", ""); err != nil {
		t.Fatalf("StartManualTimer failed: %v", err)
	}
	waitFor(t, "manual timer", func() bool { return h.coord.Status().Reason == PauseManualTimer })

	if err := h.coord.StopManualTimer(); err != nil {
		t.Fatalf("StopManualTimer failed: %v", err)
	}
	// Automatic tracking was paused by the user before the timer started, so
	// stopping the timer must return to that pause, not to tracking.
	waitFor(t, "pause restored", func() bool {
		s := h.coord.Status()
		return s.State == StatePaused && s.Reason == PauseUser
	})
	if _, open, _ := h.store.InProgress(); open {
		t.Fatal("no automatic entry may open while the user pause holds")
	}

	// The pause still lifts the usual way.
	if err := h.coord.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	waitFor(t, "resumed", func() bool { return h.coord.Status().State == StateTracking })
}

func TestManualTimerHoldsThroughPermissionRetry(t *testing.T) {
	h := newHarness(t)
	h.contexts.set(ContextEvent{}, ErrPermissionUnavailable)

	if err := h.coord.Start(); !errors.Is(err, ErrPermissionUnavailable) {
		t.Fatalf("Start = %v, want ErrPermissionUnavailable", err)
	}
	waitFor(t, "permission required", func() bool {
		return h.coord.Status().State == StatePermissionRequired
	})

	if err := h.coord.StartManualTimer("ad-hoc OPS-1", ""); err != nil {
		t.Fatalf("StartManualTimer failed: %v", err)
	}
	waitFor(t, "manual timer", func() bool { return h.coord.Status().Reason == PauseManualTimer })
	manualID := h.coord.Status().EntryID

	// Several retry intervals pass; the permission probe must not clobber the
	// running timer or orphan its entry.
	time.Sleep(120 * time.Millisecond)
	s := h.coord.Status()
	if s.Reason != PauseManualTimer || s.EntryID != manualID {
		t.Fatalf("permission retry broke through manual timer: %+v", s)
	}
	entry, open, err := h.store.InProgress()
	if err != nil || !open || entry.ID != manualID {
		t.Fatalf("manual entry lost: open=%v entry=%+v err=%v", open, entry, err)
	}

	// With the capability granted, stopping the timer resumes automatically.
	h.contexts.set(branchCtx("editor", "feature/PROJ-8-perm"), nil)
	if err := h.coord.StopManualTimer(); err != nil {
		t.Fatalf("StopManualTimer failed: %v", err)
	}
	waitFor(t, "tracking after grant", func() bool { return h.coord.Status().State == StateTracking })
}

func TestIdleThresholdPausesAndResumes(t *testing.T) {
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "track-test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	resolver, _ := resolve.New(nil)
	contexts := &fakeContextSource{ch: make(chan ContextEvent, 16)}
	contexts.set(branchCtx("editor", "feature/PROJ-6-idle"), nil)
	activity := &fakeActivitySource{ch: make(chan ActivityEvent, 16)}

	coord := New(store, resolver, contexts, activity, Options{
		MinSwitchDuration: 50 * time.Millisecond,
		AutoSaveInterval:  20 * time.Millisecond,
		IdleThreshold:     time.Second,
		IdleCheckInterval: 20 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = coord.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	if err := coord.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "tracking", func() bool { return coord.Status().State == StateTracking })

	// The source reports inactivity past the threshold; the poll pauses
	// tracking without any explicit idle event.
	activity.setIdle(5)
	waitFor(t, "idle pause from poll", func() bool {
		s := coord.Status()
		return s.State == StatePaused && s.Reason == PauseSystemIdle
	})
	if _, open, _ := store.InProgress(); open {
		t.Fatal("entry must be finalized when the idle threshold is crossed")
	}

	// Input returns; tracking resumes from the poll as well.
	activity.setIdle(0)
	waitFor(t, "resume from poll", func() bool { return coord.Status().State == StateTracking })
}

func TestPermissionRequiredThenGranted(t *testing.T) {
	h := newHarness(t)
	h.contexts.set(ContextEvent{}, ErrPermissionUnavailable)

	err := h.coord.Start()
	if !errors.Is(err, ErrPermissionUnavailable) {
		t.Fatalf("Start = %v, want ErrPermissionUnavailable", err)
	}
	waitFor(t, "permission required", func() bool {
		return h.coord.Status().State == StatePermissionRequired
	})

	// Capability appears; the retry loop begins tracking on its own.
	h.contexts.set(branchCtx("editor", "feature/PROJ-3-x"), nil)
	waitFor(t, "tracking after grant", func() bool { return h.coord.Status().State == StateTracking })

	if h.coord.Status().Ticket != "PROJ-3" {
		t.Fatalf("status = %+v", h.coord.Status())
	}
}

func TestAutoApprovalFromLearnedPattern(t *testing.T) {
	h := newHarness(t)
	pattern, err := h.store.ConfirmPattern("branch", "feature/PROJ-5-sync", "PROJ-5", "https://tracker/PROJ-5", time.Now())
	if err != nil {
		t.Fatalf("ConfirmPattern failed: %v", err)
	}

	h.contexts.set(branchCtx("editor", "feature/PROJ-5-sync"), nil)
	if err := h.coord.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "tracking", func() bool { return h.coord.Status().State == StateTracking })

	entry, open, err := h.store.InProgress()
	if err != nil || !open {
		t.Fatalf("no open entry: %v", err)
	}
	if !entry.AutoApproved || entry.PatternID != pattern.ID {
		t.Fatalf("entry not auto-approved: %+v", entry)
	}
	if entry.Review != model.ReviewReviewed {
		t.Fatalf("auto-approved entry review = %s, want reviewed", entry.Review)
	}
	if entry.Ticket != "PROJ-5" || entry.LinkedItem != "https://tracker/PROJ-5" {
		t.Fatalf("entry = %+v", entry)
	}
}

func TestAutoSaveRefreshesDurationWithoutFinalizing(t *testing.T) {
	h := newHarness(t)
	h.contexts.set(branchCtx("editor", "feature/PROJ-1-a"), nil)
	if err := h.coord.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "tracking", func() bool { return h.coord.Status().State == StateTracking })
	id := h.coord.Status().EntryID

	// Auto-save ticks every 20ms here; once a full second has accrued the
	// persisted duration must reflect it while the entry stays open.
	waitFor(t, "auto-saved duration", func() bool {
		e, err := h.store.Get(id)
		return err == nil && e.InProgress && e.DurationSeconds >= 1
	})
}

func TestRecoveryRunsBeforeTracking(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "track-test.db")

	store, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	stale, err := store.Create(sqlite.CreateParams{Start: time.Now().Add(-time.Hour), Source: model.SourceAutomatic, Ticket: "PROJ-1"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	saveAt := time.Now().Add(-30 * time.Minute)
	if err := store.AutoSave(stale.ID, saveAt); err != nil {
		t.Fatalf("AutoSave failed: %v", err)
	}

	resolver, _ := resolve.New(nil)
	contexts := &fakeContextSource{ch: make(chan ContextEvent, 1)}
	contexts.set(branchCtx("editor", "feature/PROJ-2-b"), nil)
	activity := &fakeActivitySource{ch: make(chan ActivityEvent, 1)}
	coord := New(store, resolver, contexts, activity, Options{
		MinSwitchDuration: 50 * time.Millisecond,
		AutoSaveInterval:  20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = coord.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
		_ = store.Close()
	}()

	waitFor(t, "stale entry recovered", func() bool {
		e, err := store.Get(stale.ID)
		return err == nil && !e.InProgress
	})
	recovered, err := store.Get(stale.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !recovered.End.Equal(saveAt) {
		t.Fatalf("recovered end = %v, want last auto-save %v", recovered.End, saveAt)
	}

	// New tracking works after recovery.
	if err := coord.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "tracking", func() bool { return coord.Status().State == StateTracking })
}

func TestStopFinalizesAndGoesIdle(t *testing.T) {
	h := newHarness(t)
	h.contexts.set(branchCtx("editor", "feature/PROJ-1-a"), nil)
	if err := h.coord.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "tracking", func() bool { return h.coord.Status().State == StateTracking })

	if err := h.coord.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	waitFor(t, "idle", func() bool { return h.coord.Status().State == StateIdle })

	if _, open, _ := h.store.InProgress(); open {
		t.Fatal("Stop must finalize the open entry")
	}

	// Idle-end must not restart tracking after an explicit stop.
	h.activity.ch <- ActivityEvent{Kind: IdleEnd, At: time.Now()}
	time.Sleep(30 * time.Millisecond)
	if s := h.coord.Status(); s.State != StateIdle {
		t.Fatalf("state = %s after stop, want idle", s.State)
	}
}
