package delegate

import "sort"

// Policy holds the alert thresholds. Both values are validated by the
// config layer before they get here.
type Policy struct {
	// MinStreak is the smallest ConsecutiveMissed that is alertable.
	MinStreak int64
	// ReAlertInterval is how much a streak must grow past the last alert
	// before the delegate is alerted again.
	ReAlertInterval int64
}

// Evaluate selects alertable delegates, sorted by name.
//
// With includeAlreadyNotified every delegate at or above MinStreak is
// returned and the returned States equal the input. Otherwise only newly
// due delegates are returned and their LastNotifiedAtStreak is advanced in
// the returned map. The input map is never modified.
func Evaluate(states States, p Policy, includeAlreadyNotified bool) (States, []AlertEvent) {
	out := states.Clone()

	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Strings(names)

	var alerts []AlertEvent
	for _, name := range names {
		st := states[name]
		if st.ConsecutiveMissed < p.MinStreak {
			continue
		}
		if includeAlreadyNotified {
			alerts = append(alerts, AlertEvent{Delegate: name, Streak: st.ConsecutiveMissed})
			continue
		}
		if !due(st, p.ReAlertInterval) {
			continue
		}
		st.LastNotifiedAtStreak = st.ConsecutiveMissed
		out[name] = st
		alerts = append(alerts, AlertEvent{Delegate: name, Streak: st.ConsecutiveMissed})
	}
	return out, alerts
}

// due is the hysteresis rule: the first crossing always fires, later ones
// only after the streak grew by more than the interval.
func due(st StreakState, interval int64) bool {
	missed, last := st.ConsecutiveMissed, st.LastNotifiedAtStreak
	if missed <= last {
		return false
	}
	return last <= 1 || missed-last > interval
}
