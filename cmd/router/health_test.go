package main

import "testing"

func TestLivenessFlagStartsHealthy(t *testing.T) {
	l := newLivenessFlag()
	if !l.Healthy() {
		t.Fatal("expected a fresh liveness flag to report healthy")
	}
}

func TestLivenessFlagMarkUnhealthy(t *testing.T) {
	l := newLivenessFlag()
	l.markUnhealthy()
	if l.Healthy() {
		t.Fatal("expected Healthy() to report false after markUnhealthy")
	}
}
