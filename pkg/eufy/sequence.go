package eufy

import (
	"math"
	"sync"

	"github.com/pion/transport/v3/replaydetector"
)

const lockReplayWindow = 64

// Guard issues session and lock sequence numbers. Values are only consumed, never set by callers.
type Guard struct {
	mu sync.Mutex

	session uint32

	lock     uint32 // next value to issue
	lockDone bool   // math.MaxUint32 was issued

	replay replaydetector.ReplayDetector
}

// Reset starts a new session. The next lock sequence is base.
func (g *Guard) Reset(base uint32) {
	g.mu.Lock()
	g.session = 0
	g.lock = base
	g.lockDone = false
	g.replay = replaydetector.New(lockReplayWindow, math.MaxUint32)
	g.mu.Unlock()
}

func (g *Guard) NextSession() (uint32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.session == math.MaxUint32 {
		return 0, ErrSequenceExhausted
	}
	g.session++
	return g.session, nil
}

// NextLock returns a value greater than every lock sequence issued in this session,
// shared by every lock family command.
func (g *Guard) NextLock() (uint32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.lockDone {
		return 0, ErrSequenceExhausted
	}
	seq := g.lock
	if seq == math.MaxUint32 {
		g.lockDone = true
	} else {
		g.lock++
	}
	return seq, nil
}

// PeekLock returns the value the next NextLock call will issue.
func (g *Guard) PeekLock() (uint32, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lock, !g.lockDone
}

// AcceptLockResult validates the sequence of an inbound lock result. A replayed or
// too old value is rejected.
func (g *Guard) AcceptLockResult(seq uint32) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.replay == nil {
		return false
	}
	accept, ok := g.replay.Check(uint64(seq))
	if !ok {
		return false
	}
	accept()
	return true
}
