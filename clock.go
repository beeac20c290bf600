package main

import (
	"time"

	"k8s.io/utils/clock"
)

// TimeSource is the slice of k8s.io/utils/clock the session code schedules on.
// Timers returned by AfterFunc must tolerate Stop being called repeatedly.
type TimeSource interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) clock.Timer
}

var realClock TimeSource = clock.RealClock{}

func stopTimer(t clock.Timer) {
	if t != nil {
		t.Stop()
	}
}
