package delegate

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyName         = errors.New("delegate name is empty")
	ErrNegativeCounter   = errors.New("lifetime counter is negative")
	ErrMalformed         = errors.New("snapshot entry is malformed")
	ErrDuplicateDelegate = errors.New("delegate appears more than once in snapshot")
)

// SnapshotError identifies the offending snapshot entry.
type SnapshotError struct {
	Index int
	Name  string
	Err   error
}

func (e *SnapshotError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("snapshot[%d]: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("snapshot[%d] %q: %v", e.Index, e.Name, e.Err)
}

func (e *SnapshotError) Unwrap() error { return e.Err }

// Validate splits a raw snapshot list into accepted entries and one
// *SnapshotError per rejected entry. A bad entry never rejects the others.
//
// Duplicate names are left in place; Track rejects them because there is no
// way to tell which reading is right.
func Validate(in []Snapshot) ([]Snapshot, []error) {
	out := make([]Snapshot, 0, len(in))
	var errs []error
	for i, s := range in {
		switch {
		case s.Err != nil:
			errs = append(errs, &SnapshotError{Index: i, Name: s.Name, Err: fmt.Errorf("%w: %w", ErrMalformed, s.Err)})
		case s.Name == "":
			errs = append(errs, &SnapshotError{Index: i, Err: ErrEmptyName})
		case s.LifetimeMissed < 0 || s.LifetimeProduced < 0:
			errs = append(errs, &SnapshotError{Index: i, Name: s.Name, Err: ErrNegativeCounter})
		default:
			out = append(out, s)
		}
	}
	return out, errs
}
