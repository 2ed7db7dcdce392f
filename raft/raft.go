package raft

import (
	"log"
	"math/rand"
	"net/http"
	"net/rpc"
	"os"
	"sync"
	"time"

	"github.com/bakalover/changelog/infra"
	"github.com/bakalover/changelog/machine"
	"github.com/bakalover/changelog/persistence"
)

const (
	timeoutBase    = 500
	heartbeatBase  = 200
	rotateInterval = 1024
)

type (
	Raft struct {
		strand        infra.Strand // Synchronizes whole state below, except of one case inside Log
		me            string
		neighbours    map[string]*rpc.Client
		neighboursNum int
		electionTimer *time.Timer
		role          Role
		log           *persistence.Changelog
		stateMachine  machine.StateMachine
		nextIndex     map[string]uint64
		matchIndex    map[string]uint64
		commitIndex   uint64
		lastApplied   uint64
		term          uint64
		leader        string
		votedFor      string
		quorum        int
		logger        *log.Logger
	}

	Config struct {
		LogKey     string
		Me         string
		Neighbours []string
	}
)

func NewRaft(c *Config) *Raft {
	logger := log.New(os.Stdout, "INFO: ", log.Lmicroseconds|log.Lshortfile)

	changelog, err := persistence.NewWithConfig(persistence.Config{
		Dir:            c.LogKey,
		RotateInterval: rotateInterval,
		Logger:         logger,
	})
	if err != nil {
		panic(err.Error())
	}
	if err := changelog.ReadAndInit(0); err != nil {
		panic(err.Error())
	}

	raft := &Raft{
		strand:        infra.NewStrand(),
		me:            c.Me,
		neighbours:    make(map[string]*rpc.Client),
		neighboursNum: len(c.Neighbours),
		role:          Follower,
		log:           changelog,
		term:          changelog.LastEntry().Term,
		stateMachine:  machine.NewStateMachine(),
		nextIndex:     make(map[string]uint64),
		matchIndex:    make(map[string]uint64),
		quorum:        len(c.Neighbours)/2 + 1,
		logger:        logger,
	}
	for _, n := range c.Neighbours {
		raft.neighbours[n] = nil
		raft.nextIndex[n] = 0  // Just store key
		raft.matchIndex[n] = 0 // Just store key
	}
	return raft
}

// RPC
func (r *Raft) Apply(args *machine.RSMcmd, reply *RaftReply) error {
	blob, err := machine.Encode(*args)
	if err != nil {
		reply.Error = err
		return nil
	}

	type appended struct {
		entry persistence.LogEntry
		index uint64
		err   error
	}
	awaitAppend := make(chan appended, 1)
	do := func() {
		if r.whoAmI() != Leader {
			awaitAppend <- appended{err: RetryableError{reason: "not leader"}}
			return
		}
		entry := persistence.LogEntry{Term: r.term, Blob: blob}
		index := r.log.LastIndex() + 1
		if err := r.log.Append(index, entry, true); err != nil {
			awaitAppend <- appended{err: err}
			return
		}
		awaitAppend <- appended{entry: entry, index: index}
	}
	r.strand.Combine(do)
	a := <-awaitAppend
	if a.err != nil {
		reply.Error = a.err
		return nil
	}

	r.goAppendEntries([]persistence.LogEntry{a.entry})

	awaitApply := make(chan machine.MachineType, 1)
	commit := func() {
		if r.commitIndex < a.index {
			r.commitIndex = a.index
		}
		awaitApply <- r.applyUpTo(r.commitIndex)
	}
	r.strand.Combine(commit)
	reply.Response = <-awaitApply
	return nil
}

// applyUpTo decodes and applies every entry between lastApplied and upTo,
// advancing lastApplied as it goes. Returns the final command's result.
func (r *Raft) applyUpTo(upTo uint64) machine.MachineType {
	var result machine.MachineType
	for r.lastApplied < upTo {
		r.lastApplied++
		entry, ok := r.log.EntryAt(r.lastApplied)
		if !ok {
			r.logger.Printf("Missing entry at index %d during apply", r.lastApplied)
			continue
		}
		cmd, err := machine.Decode(entry.Blob)
		if err != nil {
			r.logger.Printf("Decode failed at index %d: %v", r.lastApplied, err)
			continue
		}
		result = r.stateMachine.Apply(cmd)
	}
	return result
}

func (r *Raft) Run() {
	rpc.Register(r)
	rpc.HandleHTTP()

	wg := new(sync.WaitGroup)
	defer wg.Wait()

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.logger.Println(http.ListenAndServe(r.me, nil))
	}()

	for peer := range r.neighbours {
		r.goReconnectBlocking(peer) // Init Connections
	}

	// First election
	// Timer is represented by rescheduling function that activates election process under Strand
	// Reseting this timer is the same as election postpone
	firstElection := func() {
		r.electionTimer = time.AfterFunc(timeout(), func() {
			r.goElection()
		})
	}
	r.strand.Combine(firstElection)
}

// base - 3xbase ms random timeout
func timeout() time.Duration {
	return time.Duration((timeoutBase + 2*rand.Intn(timeoutBase))) * time.Millisecond
}

func (r *Raft) become(role Role) {
	prevRole := r.role
	r.role = role
	if prevRole != role {
		r.logger.Printf("Role changed: %s -> %s", prevRole.Repr(), role.Repr())
	}
}

func (r *Raft) whoAmI() Role {
	return r.role
}

func (r *Raft) increaseTerm() {
	r.setTerm(r.term + 1)
}

func (r *Raft) setTerm(newTerm uint64) {
	r.term = newTerm
	r.logger.Printf("New term: %d", r.term)
}

func (r *Raft) Park() {
	r.strand.Await()
}

// Close flushes the changelog. Must be called after the strand has
// drained (via Park) so no mutator is still in flight.
func (r *Raft) Close() error {
	return r.log.Close()
}

func (r *Raft) resetTimer() {
	reset := func() {
		r.electionTimer.Reset(timeout()) // Safe, because that timer is created by AfterFunc
	}
	r.strand.Combine(reset)
}

// Phase 1
// RPC
func (r *Raft) RequestVote(args RequestVoteArgs, reply *RequestVoteReply) error {
	awaitReply := make(chan *RequestVoteReply)
	do := func() {
		if args.Term > r.term {
			r.setTerm(args.Term)
			awaitReply <- &RequestVoteReply{
				Granted: true,
			}
			r.become(Follower)
			return
		}
		if args.Term < r.term {
			awaitReply <- &RequestVoteReply{
				Granted: false,
				Term:    r.term,
			}
			return
		}
		if r.votedFor == "" || r.votedFor == args.Candidate {
			lastTerm := r.log.LastEntry().Term
			lastIndex := r.log.LastIndex()
			if args.LastTerm >= lastTerm {
				awaitReply <- &RequestVoteReply{
					Granted: true,
					Term:    r.term,
				}
				r.votedFor = args.Candidate
				return
			}
			if args.LastTerm == lastTerm && args.LastIndex >= lastIndex {
				awaitReply <- &RequestVoteReply{
					Granted: true,
					Term:    r.term,
				}
				return
			}
		}
		awaitReply <- &RequestVoteReply{
			Granted: false,
			Term:    r.term,
		}
	}
	r.strand.Combine(do)
	replyFromTask := <-awaitReply
	reply.Granted = replyFromTask.Granted
	reply.Term = replyFromTask.Term
	return nil
}

func (r *Raft) goElection() {
	replyChannel := make(chan *RequestVoteReply, r.neighboursNum)
	requestVote := func() {
		r.logger.Println("Election started!")
		r.become(Candidate)
		r.increaseTerm()
		r.votedFor = ""
		r.resetTimer()
		lastTerm := r.log.LastEntry().Term
		lastIndex := r.log.LastIndex()
		for peer, peerClient := range r.neighbours {
			peer := peer
			peerClient := peerClient
			args := &RequestVoteArgs{
				Term:      r.term,
				Candidate: r.me,
				LastTerm:  lastTerm,
				LastIndex: lastIndex,
			}
			go func() {
				var reply RequestVoteReply
				defer func() {
					replyChannel <- &reply
				}()
				if err := peerClient.Call("Raft.RequestVote", args, &reply); err != nil {
					r.logger.Printf("Could not call RequestVote on peer: [%s]. Error: [%s]. Requested reconnection", peer, err.Error())
					r.goReconnect(peer)
				} else {
					r.logger.Printf("RequestVoteReply from peer: [%s]. Granted: [%t]", peer, reply.Granted)
				}
			}()
		}
	}
	r.strand.Combine(requestVote)

	votes := 0
	backoffTerm := uint64(0) // Highest term observed from rejecting nodes
	for i := 0; i < r.neighboursNum; i++ {
		reply := <-replyChannel
		if reply.Granted {
			votes++
		} else {
			if reply.Term > backoffTerm {
				backoffTerm = reply.Term
			}
		}
	}

	if votes >= r.quorum {
		changeToLeader := func() {
			if r.whoAmI() == Follower { // Someone took advantage on AppendEntries
				return
			}
			r.become(Leader)
			lastIndex := r.log.LastIndex()
			for peer := range r.nextIndex {
				r.nextIndex[peer] = lastIndex + 1
				r.matchIndex[peer] = 0
			}
			r.goHeartbeat()
		}
		r.strand.Combine(changeToLeader)
	} else {
		backToFollower := func() {
			r.become(Follower)
			if backoffTerm > r.term {
				r.setTerm(backoffTerm)
			}
		}
		r.strand.Combine(backToFollower)
	}
}

func (r *Raft) goReconnectBlocking(peer string) {
	do := func() {
		for {
			client, err := rpc.DialHTTP("tcp", peer)
			if err != nil {
				r.logger.Printf("Could not reconnect to peer [%s].", peer)
				time.Sleep(1 * time.Second)
				continue
			}
			r.logger.Printf("Peer: [%s] connected!", peer)
			r.neighbours[peer] = client
			return
		}
	}
	r.strand.Combine(do)
}

func (r *Raft) goReconnect(peer string) {
	do := func() {
		client, err := rpc.DialHTTP("tcp", peer)
		if err != nil {
			r.logger.Printf("Could not reconnect to peer [%s].", peer)
			return
		}
		r.logger.Printf("Peer: [%s] connected!", peer)
		r.neighbours[peer] = client
	}
	r.strand.Combine(do)
}

// Phase 2
// RPC
func (r *Raft) AppendEntries(args AppendEntriesArgs, reply *AppendEntriesReply) error {
	awaitReply := make(chan *AppendEntriesReply)
	do := func() {
		if args.Term < r.term {
			awaitReply <- &AppendEntriesReply{Success: false, Term: r.term}
			return
		}
		if args.Term > r.term {
			r.setTerm(args.Term)
		}
		r.become(Follower)
		r.leader = args.Leader
		r.resetTimer()

		if args.PrevIndex > 0 {
			if r.log.LastIndex() < args.PrevIndex {
				awaitReply <- &AppendEntriesReply{Success: false, Term: r.term, NextIndexHint: r.log.LastIndex()}
				return
			}
			if r.log.TermAt(args.PrevIndex) != args.PrevTerm {
				awaitReply <- &AppendEntriesReply{Success: false, Term: r.term, NextIndexHint: args.PrevIndex - 1}
				return
			}
		}

		index := args.PrevIndex + 1
		for _, entry := range args.Entries {
			if existing, ok := r.log.EntryAt(index); ok {
				if existing.Term != entry.Term {
					if err := r.log.WriteAt(index, entry, true); err != nil {
						r.logger.Printf("WriteAt failed at index %d: %v", index, err)
						awaitReply <- &AppendEntriesReply{Success: false, Term: r.term}
						return
					}
				}
			} else if err := r.log.Append(index, entry, true); err != nil {
				r.logger.Printf("Append failed at index %d: %v", index, err)
				awaitReply <- &AppendEntriesReply{Success: false, Term: r.term}
				return
			}
			index++
		}

		if args.LeaderCommit > r.commitIndex {
			newCommit := args.LeaderCommit
			if last := r.log.LastIndex(); newCommit > last {
				newCommit = last
			}
			r.commitIndex = newCommit
			r.applyUpTo(r.commitIndex)
		}

		awaitReply <- &AppendEntriesReply{Success: true, Term: r.term}
	}
	r.strand.Combine(do)
	replyFromTask := <-awaitReply
	reply.Success = replyFromTask.Success
	reply.Term = replyFromTask.Term
	reply.NextIndexHint = replyFromTask.NextIndexHint
	return nil
}

func (r *Raft) goHeartbeat() {
	if r.whoAmI() != Leader {
		return
	}
	r.resetTimer()
	r.goAppendEntries(nil) // No entries
	time.AfterFunc(heartbeatBase*time.Millisecond, func() {
		r.goHeartbeat()
	})
}

func (r *Raft) goAppendEntries(entries []persistence.LogEntry) {
	do := func() {
		replyChannel := make(chan *AppendEntriesReply, len(r.neighbours))
		for peer, peerClient := range r.neighbours {
			peer := peer
			peerClient := peerClient
			go func() {
				reply := &AppendEntriesReply{}
				defer func() {
					replyChannel <- reply
				}()
				prevIndex := r.nextIndex[peer]
				args := &AppendEntriesArgs{
					Term:         r.term,
					Leader:       r.me,
					PrevTerm:     r.log.TermAt(prevIndex),
					PrevIndex:    prevIndex,
					Entries:      entries,
					LeaderCommit: r.commitIndex,
				}
				for {
					if err := peerClient.Call("Raft.AppendEntries", args, reply); err != nil {
						r.logger.Printf("Could not call AppendEntries on peer: [%s]. Error: [%s]. Requested reconnection", peer, err.Error())
						r.goReconnect(peer)
						return
					} else {
						if reply.Success {
							return
						}
						if reply.Term > r.term {
							r.logger.Printf("AppendEntriesReply from peer: [%s] failed. Observed higher peer term: [%d]", peer, reply.Term)
							return // Observed another leader
						}
						// AppendEntries fails because of log inconsistency
						r.logger.Printf("AppendEntriesReply from peer: [%s] failed. Observed peer's log inconsistency. NextIndexHint: [%d]", peer, reply.NextIndexHint)
						var additionalEntries []persistence.LogEntry
						for index := reply.NextIndexHint; index < args.PrevIndex; index++ { // Batch grab optimization?
							if e, ok := r.log.EntryAt(index); ok {
								additionalEntries = append(additionalEntries, e)
							}
						}
						args.PrevTerm = r.log.TermAt(reply.NextIndexHint)
						args.PrevIndex = reply.NextIndexHint
						args.Entries = append(additionalEntries, args.Entries...)
					}
				}
			}()
		}

		successCount := 0
		for i := 0; i < len(r.neighbours); i++ {
			if reply := <-replyChannel; reply.Success {
				if reply.Term > r.term {
					r.term = reply.Term
					r.become(Follower) // Heartbeats will stop
				}
				successCount++
			}
		}
		if successCount >= r.quorum {
			return
		}
	}
	r.strand.Combine(do)
}
