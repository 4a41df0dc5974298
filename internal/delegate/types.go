// Package delegate is the streak tracking and alerting engine.
//
// Everything here is a pure function over explicit inputs: callers fetch
// snapshots, load and persist States, and deliver composed messages.
package delegate

// Snapshot is one delegate's lifetime counters as reported by a node in a
// single poll.
type Snapshot struct {
	Name             string `json:"name"`
	LifetimeMissed   int64  `json:"lifetime_missed"`
	LifetimeProduced int64  `json:"lifetime_produced"`

	// Err marks an entry whose counters the source could not read.
	Err error `json:"-"`
}

// StreakState is the persisted per-delegate tracking state.
//
// At most one of ConsecutiveMissed and ConsecutiveProduced is nonzero.
type StreakState struct {
	Name                string `json:"name"`
	ConsecutiveMissed   int64  `json:"consecutive_missed"`
	ConsecutiveProduced int64  `json:"consecutive_produced"`

	// LastNotifiedAtStreak is the ConsecutiveMissed value of the last alert
	// (0 = never alerted, or cleared by production).
	LastNotifiedAtStreak int64 `json:"last_notified_at_streak"`

	// Raw lifetime counters seen in the previous poll; deltas are computed
	// against these.
	BaselineMissed   int64 `json:"baseline_missed"`
	BaselineProduced int64 `json:"baseline_produced"`

	// AbsentCycles counts consecutive polls that did not include this delegate.
	AbsentCycles int `json:"absent_cycles,omitempty"`
}

// Missing reports whether the delegate is currently on a missed-block streak.
func (s StreakState) Missing() bool { return s.ConsecutiveMissed > 0 }

// States maps canonical delegate name to its state.
type States map[string]StreakState

// Clone returns a shallow copy (StreakState is a value type, so this is a
// full copy).
func (s States) Clone() States {
	out := make(States, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// AliasRecord maps a canonical delegate name to one alternate chat label.
type AliasRecord struct {
	Delegate string `json:"delegate"`
	Alias    string `json:"alias"`
}

// ChatIdentity is one entry of the chat identity directory.
type ChatIdentity struct {
	ID          string `json:"id"`
	LoginName   string `json:"login_name"`
	FullName    string `json:"full_name"`
	DisplayName string `json:"display_name,omitempty"`
}

// AlertEvent is produced by Evaluate for every alertable delegate. Identity
// is filled in by the caller (see Resolver.Enrich) before composing.
type AlertEvent struct {
	Delegate string   `json:"delegate"`
	Streak   int64    `json:"streak"`
	Identity Identity `json:"identity"`
}
