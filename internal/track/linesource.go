package track

import (
	"bufio"
	"io"
	"log"
	"strings"
	"sync"
	"time"
)

// LineSource adapts a line-oriented signal stream (stdin, a FIFO, a socket)
// into a ContextSource and an ActivitySource. Platform hooks write one line
// per signal:
//
//	switch <scope> <signal-type> <text...>
//	idle | active | sleep | wake | lock | unlock
//
// Unknown lines are logged and skipped. Until the first switch line arrives
// Current reports ErrPermissionUnavailable, so the coordinator parks in the
// permission-required state and picks up tracking once signals flow.
type LineSource struct {
	events   chan ContextEvent
	activity chan ActivityEvent

	mu       sync.Mutex
	current  ContextEvent
	seen     bool
	lastLine time.Time
}

var activityKinds = map[string]ActivityKind{
	"idle":   IdleStart,
	"active": IdleEnd,
	"sleep":  SleepStart,
	"wake":   Wake,
	"lock":   Lock,
	"unlock": Unlock,
}

// NewLineSource starts reading r and returns the source. Reading stops when
// r reaches EOF or errors; channels stay open so the coordinator keeps
// running on its last known context.
func NewLineSource(r io.Reader) *LineSource {
	s := &LineSource{
		events:   make(chan ContextEvent, 16),
		activity: make(chan ActivityEvent, 16),
		lastLine: time.Now(),
	}
	go s.read(r)
	return s
}

func (s *LineSource) read(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		now := time.Now()
		s.mu.Lock()
		s.lastLine = now
		s.mu.Unlock()

		fields := strings.Fields(line)
		if kind, ok := activityKinds[fields[0]]; ok {
			s.activity <- ActivityEvent{Kind: kind, At: now}
			continue
		}
		if fields[0] == "switch" && len(fields) >= 4 {
			text := strings.Join(fields[3:], " ")
			ev := ContextEvent{
				ContextID:  fields[1] + ":" + text,
				Scope:      fields[1],
				SignalType: fields[2],
				Text:       text,
				At:         now,
			}
			s.mu.Lock()
			s.current = ev
			s.seen = true
			s.mu.Unlock()
			s.events <- ev
			continue
		}
		log.Printf("signal source: unrecognized line %q", line)
	}
	if err := scanner.Err(); err != nil {
		log.Printf("signal source: read error: %v", err)
	}
}

func (s *LineSource) Events() <-chan ContextEvent {
	return s.events
}

func (s *LineSource) Current() (ContextEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.seen {
		return ContextEvent{}, ErrPermissionUnavailable
	}
	return s.current, nil
}

// ActivitySource returns the activity view of the same stream.
func (s *LineSource) ActivitySource() ActivitySource {
	return lineActivity{s}
}

type lineActivity struct {
	s *LineSource
}

func (a lineActivity) Events() <-chan ActivityEvent {
	return a.s.activity
}

// IdleSeconds reports seconds since the last line of any kind; a silent
// stream counts as idle input.
func (a lineActivity) IdleSeconds() (int, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	return int(time.Since(a.s.lastLine).Seconds()), nil
}
