package delegate

import "strings"

// Mode selects how Compose lays out alerts.
type Mode int

const (
	// Incremental renders one line per delegate with its own severity.
	Incremental Mode = iota
	// Aggregated renders at most two lines: all red delegates, then all yellow.
	Aggregated
)

func (m Mode) String() string {
	switch m {
	case Incremental:
		return "incremental"
	case Aggregated:
		return "aggregated"
	default:
		return "unknown"
	}
}

const (
	RedMarker    = "🔻"
	YellowMarker = "⚠️"

	// NoAlertsText is the aggregated result for an empty alert list.
	NoAlertsText = "No red nodes"
)

// ComposeOptions controls rendering.
type ComposeOptions struct {
	Mode            Mode
	ReAlertInterval int64
	// Escape is applied to delegate names (e.g. html.EscapeString for an
	// HTML transport). Mentions are already transport-ready. nil = as is.
	Escape func(string) string
}

// Compose renders alerts in the given order.
//
// Incremental mode with no alerts returns "" (nothing to send); aggregated
// mode returns NoAlertsText.
func Compose(alerts []AlertEvent, opt ComposeOptions) string {
	switch opt.Mode {
	case Aggregated:
		return composeAggregated(alerts, opt)
	default:
		return composeIncremental(alerts, opt)
	}
}

// Label is the delegate reference used in messages, always ending in one
// space.
func Label(a AlertEvent, escape func(string) string) string {
	if escape == nil {
		escape = func(s string) string { return s }
	}
	id := a.Identity
	switch {
	case !id.Found || id.Mention == "":
		return escape(a.Delegate) + " "
	case id.Redundant(a.Delegate):
		return id.Mention + " "
	default:
		return escape(a.Delegate) + " " + id.Mention + " "
	}
}

func composeIncremental(alerts []AlertEvent, opt ComposeOptions) string {
	lines := make([]string, 0, len(alerts))
	for _, a := range alerts {
		label := Label(a, opt.Escape)
		switch {
		case a.Streak > opt.ReAlertInterval:
			lines = append(lines, label+"still red "+RedMarker)
		case a.Streak > 1:
			lines = append(lines, label+"red "+RedMarker)
		default:
			lines = append(lines, label+"yellow "+YellowMarker)
		}
	}
	return strings.Join(lines, "\n")
}

func composeAggregated(alerts []AlertEvent, opt ComposeOptions) string {
	var red, yellow []string
	for _, a := range alerts {
		if a.Streak > 1 {
			red = append(red, Label(a, opt.Escape))
		} else {
			yellow = append(yellow, Label(a, opt.Escape))
		}
	}

	var lines []string
	if len(red) > 0 {
		lines = append(lines, RedMarker+" "+strings.Join(red, ", ")+RedMarker)
	}
	if len(yellow) > 0 {
		lines = append(lines, YellowMarker+" "+strings.Join(yellow, ", ")+YellowMarker)
	}
	if len(lines) == 0 {
		return NoAlertsText
	}
	return strings.Join(lines, "\n")
}
