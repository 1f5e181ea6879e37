// Package persona defines the static bot personalities and resolves inbound
// text to the persona whose trigger it starts with.
package persona

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// Persona is the immutable configuration of one bot personality.
type Persona struct {
	ID              string // unique key, e.g. "free-dominus"
	Name            string // display name, e.g. "DOMINUS"
	Trigger         string // command that opens a session, e.g. "!dominus"
	OriginChannelID string // the only channel the trigger is accepted in
	SlowmodeSec     int
	ChannelSuffix   string
	Label           string
	Thinking        string // transient indicator text; defaults to "<Name> is thinking..."
	Welcome         string // briefing posted in the new channel; supports {mention}, {name}, {label}
	Prompt          string // system prompt, first transcript entry
}

const defaultWelcome = "{mention}\n\n" +
	"**{name} ACTIVE ({label})**\n\n" +
	"Send one message at a time.\n" +
	"30 minutes of silence closes the session automatically.\n" +
	"Type `!close` to exit at any time."

// ChannelName derives the private channel name from the user's display name.
func (p Persona) ChannelName(displayName string) string {
	return slug(p.Name) + "-" + slug(displayName) + p.ChannelSuffix
}

// Topic returns the private channel topic.
func (p Persona) Topic(displayName string) string {
	if p.Label == "" {
		return fmt.Sprintf("%s session for %s", p.Name, displayName)
	}
	return fmt.Sprintf("%s session for %s (%s)", p.Name, displayName, p.Label)
}

// ThinkingText returns the transient indicator posted before each reply.
func (p Persona) ThinkingText() string {
	if p.Thinking != "" {
		return p.Thinking
	}
	return p.Name + " is thinking..."
}

// WelcomeText renders the briefing message for a new session.
func (p Persona) WelcomeText(mention string) string {
	tmpl := p.Welcome
	if tmpl == "" {
		tmpl = defaultWelcome
	}
	label := p.Label
	if label == "" {
		label = p.ID
	}
	return strings.NewReplacer(
		"{mention}", mention,
		"{name}", p.Name,
		"{label}", label,
	).Replace(tmpl)
}

// slug lowercases s and replaces runs of non-alphanumerics with a hyphen,
// matching how Discord normalizes text channel names.
func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// Registry maps triggers to personas.
type Registry struct {
	byTrigger []entry // sorted by trigger length, longest first
	byID      map[string]Persona
	order     []Persona // registration order
}

type entry struct {
	trigger string // lowercased
	persona Persona
}

// NewRegistry builds a Registry. Triggers must be non-empty and unique
// case-insensitively; IDs must be unique.
func NewRegistry(personas []Persona) (*Registry, error) {
	r := &Registry{byID: make(map[string]Persona, len(personas))}
	seen := make(map[string]string)
	for _, p := range personas {
		t := strings.ToLower(strings.TrimSpace(p.Trigger))
		if t == "" {
			return nil, fmt.Errorf("persona: %s: trigger is required", p.ID)
		}
		if other, dup := seen[t]; dup {
			return nil, fmt.Errorf("persona: trigger %q used by both %s and %s", p.Trigger, other, p.ID)
		}
		if _, dup := r.byID[p.ID]; dup {
			return nil, fmt.Errorf("persona: duplicate id %q", p.ID)
		}
		seen[t] = p.ID
		r.byID[p.ID] = p
		r.order = append(r.order, p)
		r.byTrigger = append(r.byTrigger, entry{trigger: t, persona: p})
	}
	sort.SliceStable(r.byTrigger, func(i, j int) bool {
		return len(r.byTrigger[i].trigger) > len(r.byTrigger[j].trigger)
	})
	return r, nil
}

// Resolve returns the persona whose trigger is a case-insensitive prefix of
// text. Text is matched as sent, so leading whitespace never matches. When
// several triggers match, the longest wins.
func (r *Registry) Resolve(text string) (Persona, bool) {
	lower := strings.ToLower(text)
	for _, e := range r.byTrigger {
		if strings.HasPrefix(lower, e.trigger) {
			return e.persona, true
		}
	}
	return Persona{}, false
}

// Get returns the persona with the given ID.
func (r *Registry) Get(id string) (Persona, bool) {
	p, ok := r.byID[id]
	return p, ok
}

// All returns the personas in registration order.
func (r *Registry) All() []Persona {
	out := make([]Persona, len(r.order))
	copy(out, r.order)
	return out
}
