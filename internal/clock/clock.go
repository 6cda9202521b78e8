package clock

import "time"

// Clock is the time source used by deadline scheduling. Production code uses
// Real; tests drive a Manual clock forward explicitly.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the subset of *time.Timer the scheduler relies on.
type Timer interface {
	// Stop reports whether the call prevented f from running.
	Stop() bool
}

type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
