package delegate

import (
	"strconv"
	"strings"

	"forgewatch/pkg/tgui"
)

// stripSuffixes are trailing markers pool operators add to a delegate name
// that never appear in their chat handle.
var stripSuffixes = []string{"_voting", "_pool"}

// Identity is the result of resolving a delegate name against the directory.
type Identity struct {
	Found   bool   `json:"found"`
	ID      string `json:"id,omitempty"`
	Mention string `json:"mention,omitempty"`
	Display string `json:"display"`
}

// Redundant reports whether the display label says nothing beyond the
// delegate name itself.
func (id Identity) Redundant(name string) bool {
	d := strings.ToLower(id.Display)
	for _, n := range nameVariants(name) {
		if d == n {
			return true
		}
	}
	return false
}

// Mentioner renders a platform-specific reference to an identity.
type Mentioner func(ChatIdentity) string

// TelegramMention links to the user's id so it renders as a tag even when
// the user has no public username.
func TelegramMention(c ChatIdentity) string {
	label := c.DisplayName
	if label == "" {
		label = c.LoginName
	}
	if label == "" {
		label = c.FullName
	}
	id, err := strconv.ParseInt(strings.TrimSpace(c.ID), 10, 64)
	if err != nil {
		return tgui.Esc(label).String()
	}
	return tgui.Mention(label, id).String()
}

// Resolver maps delegate names to chat identities. It holds immutable copies
// of its inputs and is safe for concurrent use.
type Resolver struct {
	aliases   map[string][]string
	directory []ChatIdentity
	mention   Mentioner
}

type ResolverOption func(*Resolver)

func WithMentioner(m Mentioner) ResolverOption {
	return func(r *Resolver) {
		if m != nil {
			r.mention = m
		}
	}
}

// NewResolver copies aliases and directory. Directory order is significant:
// when several entries match, the last one wins.
func NewResolver(aliases []AliasRecord, directory []ChatIdentity, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		aliases:   map[string][]string{},
		directory: append([]ChatIdentity(nil), directory...),
		mention:   TelegramMention,
	}
	for _, a := range aliases {
		if a.Delegate == "" || strings.TrimSpace(a.Alias) == "" {
			continue
		}
		r.aliases[a.Delegate] = append(r.aliases[a.Delegate], strings.ToLower(strings.TrimSpace(a.Alias)))
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve finds the chat identity for a delegate. An unknown delegate is a
// normal outcome: Found is false and Display is the name itself.
func (r *Resolver) Resolve(name string) Identity {
	if r == nil {
		return Identity{Display: name}
	}
	cands := map[string]struct{}{}
	for _, n := range nameVariants(name) {
		cands[n] = struct{}{}
	}
	for _, a := range r.aliases[name] {
		cands[a] = struct{}{}
	}

	var (
		hit   ChatIdentity
		found bool
	)
	for _, c := range r.directory {
		if matches(c, cands) {
			hit, found = c, true
		}
	}
	if !found {
		return Identity{Display: name}
	}

	display := hit.DisplayName
	if display == "" {
		display = hit.LoginName
	}
	return Identity{
		Found:   true,
		ID:      hit.ID,
		Mention: r.mention(hit),
		Display: display,
	}
}

// Enrich fills the Identity of every alert.
func (r *Resolver) Enrich(alerts []AlertEvent) []AlertEvent {
	out := make([]AlertEvent, len(alerts))
	for i, a := range alerts {
		a.Identity = r.Resolve(a.Delegate)
		out[i] = a
	}
	return out
}

func matches(c ChatIdentity, cands map[string]struct{}) bool {
	fields := [...]string{c.LoginName, c.FullName, c.DisplayName}
	for _, f := range fields {
		if f == "" {
			continue
		}
		if _, ok := cands[strings.ToLower(f)]; ok {
			return true
		}
	}
	return false
}

// nameVariants returns the lower-cased name and, if it carries one of the
// strip suffixes, the name without it.
func nameVariants(name string) []string {
	low := strings.ToLower(name)
	out := []string{low}
	for _, suf := range stripSuffixes {
		if strings.HasSuffix(low, suf) && len(low) > len(suf) {
			out = append(out, strings.TrimSuffix(low, suf))
		}
	}
	return out
}
