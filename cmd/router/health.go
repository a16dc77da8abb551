package main

import "sync/atomic"

// livenessFlag is a trivial HealthChecker: main flips it false when
// shutdown begins, so /health reports 503 while the router drains
// (§6 "/health"). The discovery and engine-stats loops do not report to
// it; their exiting on their own leaves /health at 200.
type livenessFlag struct {
	healthy atomic.Bool
}

func newLivenessFlag() *livenessFlag {
	l := &livenessFlag{}
	l.healthy.Store(true)
	return l
}

func (l *livenessFlag) Healthy() bool { return l.healthy.Load() }

func (l *livenessFlag) markUnhealthy() { l.healthy.Store(false) }
