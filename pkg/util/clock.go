package util

import "time"

// Clock abstracts time so engines read "now" exactly once per call and
// tests can drive the order lifecycle without sleeping.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
