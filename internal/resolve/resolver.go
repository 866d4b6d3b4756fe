// Package resolve turns a raw context signal (branch name, window title,
// detected page text) into a ticket identifier.
package resolve

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"timeclerk/internal/model"
)

// Rule says which resolution step produced a result.
type Rule string

const (
	RuleOverride   Rule = "override"
	RuleExcluded   Rule = "excluded" // deliberately unclassified, no extraction attempted
	RulePattern    Rule = "pattern"
	RuleUnassigned Rule = "unassigned"
)

// Result of resolving one signal. Ticket is empty for excluded and unassigned.
type Result struct {
	Ticket string
	Rule   Rule
}

// ticketPattern matches identifiers like PROJ-123: one uppercase letter,
// uppercase letters or digits, a hyphen, digits.
var ticketPattern = regexp.MustCompile(`[A-Z][A-Z0-9]*-[0-9]+`)

// Resolver applies, in order: explicit overrides, exclusion patterns,
// identifier extraction, unassigned fallback. First match wins.
type Resolver struct {
	exclusions []*regexp.Regexp
}

// New compiles the configured exclusion patterns. Signals matching any of
// them are classified as deliberately unclassified instead of being run
// through identifier extraction.
func New(exclusionPatterns []string) (*Resolver, error) {
	r := &Resolver{}
	for _, p := range exclusionPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid exclusion pattern %q: %w", p, err)
		}
		r.exclusions = append(r.exclusions, re)
	}
	return r, nil
}

// Resolve assigns a ticket to the signal observed in scope. Overrides are
// consulted first; ties are broken by priority, then by most recent definition.
func (r *Resolver) Resolve(scope, signal string, overrides []model.TicketOverride) Result {
	signal = strings.TrimSpace(signal)

	if ticket, ok := matchOverride(scope, signal, overrides); ok {
		return Result{Ticket: ticket, Rule: RuleOverride}
	}

	for _, re := range r.exclusions {
		if re.MatchString(signal) {
			return Result{Rule: RuleExcluded}
		}
	}

	if ticket := ticketPattern.FindString(signal); ticket != "" {
		return Result{Ticket: ticket, Rule: RulePattern}
	}

	return Result{Rule: RuleUnassigned}
}

func matchOverride(scope, signal string, overrides []model.TicketOverride) (string, bool) {
	var matched []model.TicketOverride
	for _, o := range overrides {
		if o.Scope == scope && o.Signal == signal {
			matched = append(matched, o)
		}
	}
	if len(matched) == 0 {
		return "", false
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	return matched[0].Ticket, true
}

// MatchPattern finds an active learned pattern for the given signal, used for
// auto-approval of freshly created entries.
func MatchPattern(patterns []model.LearnedPattern, signalType, signal string) (model.LearnedPattern, bool) {
	for _, p := range patterns {
		if p.Active && p.SignalType == signalType && p.Signal == signal {
			return p, true
		}
	}
	return model.LearnedPattern{}, false
}
