package delegate

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEvaluateHysteresis(t *testing.T) {
	t.Parallel()
	p := Policy{MinStreak: 3, ReAlertInterval: 5}

	tests := []struct {
		name   string
		missed int64
		last   int64
		want   bool
	}{
		{name: "below threshold", missed: 2, last: 0, want: false},
		{name: "first crossing", missed: 3, last: 0, want: true},
		{name: "marker at one still fires", missed: 3, last: 1, want: true},
		{name: "grew by one", missed: 4, last: 3, want: false},
		{name: "grew by interval", missed: 8, last: 3, want: false},
		{name: "grew past interval", missed: 9, last: 3, want: true},
		{name: "unchanged", missed: 9, last: 9, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			in := States{"d": {Name: "d", ConsecutiveMissed: tt.missed, LastNotifiedAtStreak: tt.last}}
			out, alerts := Evaluate(in, p, false)
			if got := len(alerts) == 1; got != tt.want {
				t.Fatalf("alertable = %v, want %v (alerts=%v)", got, tt.want, alerts)
			}
			wantLast := tt.last
			if tt.want {
				wantLast = tt.missed
				if alerts[0].Streak != tt.missed || alerts[0].Delegate != "d" {
					t.Fatalf("alert = %+v", alerts[0])
				}
			}
			if out["d"].LastNotifiedAtStreak != wantLast {
				t.Fatalf("LastNotifiedAtStreak = %d, want %d", out["d"].LastNotifiedAtStreak, wantLast)
			}
			if in["d"].LastNotifiedAtStreak != tt.last {
				t.Fatal("input map mutated")
			}
		})
	}
}

func TestEvaluateIncludeAlreadyNotifiedIsReadOnly(t *testing.T) {
	t.Parallel()
	in := States{
		"carol": {Name: "carol", ConsecutiveMissed: 1},
		"alice": {Name: "alice", ConsecutiveMissed: 7, LastNotifiedAtStreak: 7},
		"bob":   {Name: "bob", ConsecutiveProduced: 4},
	}
	before := in.Clone()
	out, alerts := Evaluate(in, Policy{MinStreak: 1, ReAlertInterval: 0}, true)

	want := []AlertEvent{
		{Delegate: "alice", Streak: 7},
		{Delegate: "carol", Streak: 1},
	}
	if diff := cmp.Diff(want, alerts); diff != "" {
		t.Fatalf("alerts mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(before, out); diff != "" {
		t.Fatalf("returned states changed (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(before, in); diff != "" {
		t.Fatalf("input mutated (-want +got):\n%s", diff)
	}
}

func TestEvaluateSortedByName(t *testing.T) {
	t.Parallel()
	in := States{}
	for _, n := range []string{"zeta", "alpha", "mike", "bravo"} {
		in[n] = StreakState{Name: n, ConsecutiveMissed: 4}
	}
	_, alerts := Evaluate(in, Policy{MinStreak: 2, ReAlertInterval: 3}, false)
	var got []string
	for _, a := range alerts {
		got = append(got, a.Delegate)
	}
	if diff := cmp.Diff([]string{"alpha", "bravo", "mike", "zeta"}, got); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestEvaluateEndToEndWithTracker(t *testing.T) {
	t.Parallel()
	p := Policy{MinStreak: 2, ReAlertInterval: 3}
	var st States
	poll := func(missed, produced int64) []AlertEvent {
		t.Helper()
		var alerts []AlertEvent
		st = mustTrack(t, st, []Snapshot{{Name: "d", LifetimeMissed: missed, LifetimeProduced: produced}}, TrackOptions{})
		st, alerts = Evaluate(st, p, false)
		return alerts
	}

	if a := poll(0, 100); len(a) != 0 {
		t.Fatalf("cold start alerted: %v", a)
	}
	if a := poll(1, 100); len(a) != 0 {
		t.Fatalf("streak 1 alerted: %v", a)
	}
	if a := poll(2, 100); len(a) != 1 || a[0].Streak != 2 {
		t.Fatalf("streak 2 alerts = %v", a)
	}
	if a := poll(5, 100); len(a) != 0 {
		t.Fatalf("streak 5 (delta 3) alerted: %v", a)
	}
	if a := poll(6, 100); len(a) != 1 || a[0].Streak != 6 {
		t.Fatalf("streak 6 alerts = %v", a)
	}
	if a := poll(6, 101); len(a) != 0 {
		t.Fatalf("production alerted: %v", a)
	}
	if st["d"].LastNotifiedAtStreak != 0 {
		t.Fatalf("marker not reset: %+v", st["d"])
	}
	if a := poll(8, 101); len(a) != 1 || a[0].Streak != 2 {
		t.Fatalf("new streak alerts = %v", a)
	}
}
