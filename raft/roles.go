package raft

type Role int

const (
	Follower = Role(iota)
	Candidate
	Leader
)

func (r Role) Repr() string {
	switch r {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}
