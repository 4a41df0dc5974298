package router

import (
	"html"
	"sort"
	"strings"
	"unicode"

	"forgewatch/internal/transport"
)

// helpText lists commands in HTML. Owner-only commands are shown only to
// owners, after the public ones.
func (r *Router) helpText(owner bool) string {
	r.mu.RLock()
	cmds := append([]Command(nil), r.commands...)
	r.mu.RUnlock()

	sort.SliceStable(cmds, func(i, j int) bool {
		li, lj := cmds[i].Access == AccessOwnerOnly, cmds[j].Access == AccessOwnerOnly
		if li != lj {
			return !li
		}
		return cmds[i].Name < cmds[j].Name
	})

	lines := []string{"📚 <b>Commands</b>", "Prefix with <code>/</code> or <code>!</code>.", ""}
	for _, c := range cmds {
		if c.Access == AccessOwnerOnly && !owner {
			continue
		}
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		line := "• <code>" + html.EscapeString(usage) + "</code>"
		if c.Access == AccessOwnerOnly {
			line = "• 🔒 <code>" + html.EscapeString(usage) + "</code>"
		}
		if d := strings.TrimSpace(c.Description); d != "" {
			line += ": " + html.EscapeString(d)
		}
		if len(c.Aliases) > 0 {
			line += " <i>(" + html.EscapeString(strings.Join(c.Aliases, ", ")) + ")</i>"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// menuCommands builds the platform menu: one entry per command, sorted,
// with names reduced to [a-z0-9_]{1,32}.
func menuCommands(cmds []Command) []transport.BotCommand {
	seen := map[string]bool{}
	out := make([]transport.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		name := sanitizeCommand(c.Name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		desc := strings.ReplaceAll(strings.TrimSpace(c.Description), "\n", " ")
		if c.Access == AccessOwnerOnly {
			desc = "🔒 " + desc
		}
		out = append(out, transport.BotCommand{Command: name, Description: desc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}

func sanitizeCommand(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == '-' || unicode.IsSpace(r):
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	return out
}
