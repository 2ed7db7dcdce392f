package raft

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

// Exercises the strand-driven event loop machinery (Strand.Combine,
// goReconnect, goHeartbeat) without opening a network listener, and
// checks that nothing it spawns outlives Park/Close.
func TestRaftEventLoopDoesNotLeakGoroutines(t *testing.T) {
	dir := t.TempDir()
	r := NewRaft(&Config{LogKey: dir, Me: "ignored", Neighbours: nil})

	r.strand.Combine(func() {
		r.become(Candidate)
		r.become(Follower)
	})
	r.goReconnect("127.0.0.1:1") // connection refused; the dial runs on the strand, Park waits for it
	r.strand.Combine(func() {
		r.goHeartbeat() // not leader, returns immediately
	})

	r.Park()
	assert.NoError(t, r.Close())
	goleak.VerifyNone(t)
}
