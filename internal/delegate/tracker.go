package delegate

// TrackOptions tunes retention of delegates that drop out of the snapshot.
type TrackOptions struct {
	// EvictAfter removes a delegate after this many consecutive polls
	// without it. 0 keeps absent delegates forever.
	EvictAfter int
}

// Track folds one poll into the previous states and returns a new map.
//
// prev is never modified. On error the returned map is nil and the caller
// must keep using prev.
func Track(prev States, current []Snapshot, opt TrackOptions) (States, error) {
	next := make(States, len(prev)+len(current))
	seen := make(map[string]struct{}, len(current))

	for i, snap := range current {
		if _, dup := seen[snap.Name]; dup {
			return nil, &SnapshotError{Index: i, Name: snap.Name, Err: ErrDuplicateDelegate}
		}
		seen[snap.Name] = struct{}{}

		old, known := prev[snap.Name]
		if !known {
			next[snap.Name] = firstSighting(snap)
			continue
		}
		next[snap.Name] = advance(old, snap)
	}

	for name, old := range prev {
		if _, ok := seen[name]; ok {
			continue
		}
		old.AbsentCycles++
		if opt.EvictAfter > 0 && old.AbsentCycles >= opt.EvictAfter {
			continue
		}
		next[name] = old
	}
	return next, nil
}

func firstSighting(s Snapshot) StreakState {
	return StreakState{
		Name:             s.Name,
		BaselineMissed:   s.LifetimeMissed,
		BaselineProduced: s.LifetimeProduced,
	}
}

func advance(old StreakState, s Snapshot) StreakState {
	missedDelta := max(0, s.LifetimeMissed-old.BaselineMissed)
	producedDelta := max(0, s.LifetimeProduced-old.BaselineProduced)

	st := old
	st.ConsecutiveMissed = max(0, old.ConsecutiveMissed+missedDelta)
	st.ConsecutiveProduced = max(0, old.ConsecutiveProduced+producedDelta)

	// Producing and missing are mutually exclusive per round.
	if producedDelta > 0 {
		st.ConsecutiveMissed = 0
		st.LastNotifiedAtStreak = 0
	}
	if missedDelta > 0 {
		st.ConsecutiveProduced = 0
	}

	st.BaselineMissed = s.LifetimeMissed
	st.BaselineProduced = s.LifetimeProduced
	st.AbsentCycles = 0
	return st
}
