package monitor

import (
	"context"
	"errors"
	"strings"
	"time"

	"forgewatch/internal/nodeapi"
	"forgewatch/internal/notifier"
	"forgewatch/internal/transport/telegram/router"
	"forgewatch/pkg/tgui"
)

// CommandHooks lets the commands reach collaborators the monitor does not
// own. Nil hooks hide the matching output or command.
type CommandHooks struct {
	Poll    func() error
	Heights func(ctx context.Context) []nodeapi.NodeHeight
	Recent  func() []notifier.HistoryItem
}

const recentShown = 5

func (s *Service) Commands(h CommandHooks) []router.Command {
	cmds := []router.Command{
		{
			Name:        "red",
			Aliases:     []string{"rednodes"},
			Description: "delegates currently missing blocks",
			Usage:       "/red",
			Handle: func(ctx context.Context, req *router.Request) error {
				return req.Reply(ctx, s.Red())
			},
		},
		{
			Name:        "delegate",
			Description: "streak state of one delegate",
			Usage:       "/delegate <name>",
			Handle:      s.cmdDelegate,
		},
		{
			Name:        "status",
			Description: "monitor status",
			Usage:       "/status",
			Access:      router.AccessOwnerOnly,
			Timeout:     15 * time.Second,
			Handle: func(ctx context.Context, req *router.Request) error {
				return req.Reply(ctx, s.statusText(ctx, h).String())
			},
		},
	}
	if h.Poll != nil {
		cmds = append(cmds, router.Command{
			Name:        "poll",
			Description: "run a poll cycle now",
			Usage:       "/poll",
			Access:      router.AccessOwnerOnly,
			Handle: func(ctx context.Context, req *router.Request) error {
				if err := h.Poll(); err != nil {
					return err
				}
				return req.Reply(ctx, "poll started")
			},
		})
	}
	return cmds
}

func (s *Service) cmdDelegate(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return req.Reply(ctx, "usage: "+tgui.Code("/delegate <name>").String())
	}
	v, err := s.Delegate(req.Args[0])
	if errors.Is(err, ErrUnknownDelegate) {
		return req.Reply(ctx, "Cannot find that delegate")
	}
	if err != nil {
		return err
	}
	return req.Reply(ctx, delegateText(v).String())
}

func delegateText(v DelegateView) tgui.H {
	st := v.State
	head := tgui.B(st.Name)
	if v.Identity.Found && v.Identity.Mention != "" {
		head = tgui.JoinH(" ", head, tgui.Raw(v.Identity.Mention))
	}
	lines := []tgui.H{head}
	switch {
	case st.Missing():
		lines = append(lines, tgui.Escf("missing: %d in a row", st.ConsecutiveMissed))
	case st.ConsecutiveProduced > 0:
		lines = append(lines, tgui.Escf("producing: %d in a row", st.ConsecutiveProduced))
	default:
		lines = append(lines, tgui.Esc("no change since first seen"))
	}
	if st.LastNotifiedAtStreak > 0 {
		lines = append(lines, tgui.Escf("last alert at streak %d", st.LastNotifiedAtStreak))
	}
	if st.AbsentCycles > 0 {
		lines = append(lines, tgui.Escf("absent from the last %d polls", st.AbsentCycles))
	}
	lines = append(lines, tgui.Escf("lifetime: %d missed / %d produced", st.BaselineMissed, st.BaselineProduced))
	return tgui.JoinH("\n", lines...)
}

func (s *Service) statusText(ctx context.Context, h CommandHooks) tgui.H {
	st := s.Status()
	lines := []tgui.H{tgui.B("Monitor")}
	if r := st.Last; r == nil {
		lines = append(lines, tgui.Esc("no cycle yet"))
	} else {
		lines = append(lines, tgui.Escf("last cycle: %s (%s ago, took %s)",
			r.At.UTC().Format(time.RFC3339), time.Since(r.At).Round(time.Second), r.Took.Round(time.Millisecond)))
		if r.Err != "" {
			lines = append(lines, tgui.Esc("last error: "+r.Err))
		} else {
			lines = append(lines, tgui.Escf("node: %s, %d delegates, %d alerts", r.Node, r.Delegates, r.Alerts))
		}
	}
	lines = append(lines,
		tgui.Escf("cycles: %d", st.Cycles),
		tgui.Escf("tracked: %d, missing: %d, alerting: %d", st.Tracked, st.Missing, st.Alerting),
		tgui.Escf("identities: %d", st.Identities),
	)

	if h.Heights != nil {
		lines = append(lines, tgui.Raw("\n")+tgui.B("Nodes"))
		for _, n := range h.Heights(ctx) {
			if n.Err != nil {
				lines = append(lines, tgui.Esc("• "+n.Node+": "+n.Err.Error()))
				continue
			}
			lines = append(lines, tgui.Escf("• %s: height %d", n.Node, n.Height))
		}
	}

	if h.Recent != nil {
		recent := h.Recent()
		if len(recent) > recentShown {
			recent = recent[len(recent)-recentShown:]
		}
		if len(recent) > 0 {
			lines = append(lines, tgui.Raw("\n")+tgui.B("Recent notifications"))
			for _, it := range recent {
				preview := strings.ReplaceAll(tgui.Plain(tgui.Raw(it.Text)), "\n", " · ")
				lines = append(lines, tgui.Esc("• "+it.At.UTC().Format("01-02 15:04")+" "+tgui.TruncRunes(preview, 80)))
			}
		}
	}
	return tgui.JoinH("\n", lines...)
}
