package core

import (
	"bytes"
	"sort"
	"sync"

	"PerpLiquidator/internal/state"

	"github.com/gagliardetto/solana-go"
)

// Priority orders candidates; it reports whether a goes before b.
type Priority func(a, b *state.Candidate) bool

// ByMarginRatio puts the least healthy account first; ties break on key
// bytes so the order is total.
func ByMarginRatio(a, b *state.Candidate) bool {
	if c := a.MarginRatio.Cmp(b.MarginRatio); c != 0 {
		return c < 0
	}
	return bytes.Compare(a.Account.Key[:], b.Account.Key[:]) < 0
}

// ByExposure puts the largest position value first, then ByMarginRatio.
func ByExposure(a, b *state.Candidate) bool {
	if c := a.Account.Exposure().Cmp(b.Account.Exposure()); c != 0 {
		return c > 0
	}
	return ByMarginRatio(a, b)
}

// LiquidationScheduler holds eligible candidates until a submission slot
// frees up. An account is pending at most once and never handed out while
// a previous submission for it is still in flight.
type LiquidationScheduler struct {
	mu        sync.Mutex
	priority  Priority
	pending   map[solana.PublicKey]*state.Candidate
	inFlight  map[solana.PublicKey]*state.Candidate
	cycleSlot uint64
}

func NewLiquidationScheduler(priority Priority) *LiquidationScheduler {
	if priority == nil {
		priority = ByMarginRatio
	}
	return &LiquidationScheduler{
		priority: priority,
		pending:  make(map[solana.PublicKey]*state.Candidate),
		inFlight: make(map[solana.PublicKey]*state.Candidate),
	}
}

// BeginCycle drops pending candidates observed before slot; the cycle that
// scanned slot re-proposes the ones still eligible. Older slots are
// ignored.
func (s *LiquidationScheduler) BeginCycle(slot uint64) (dropped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot < s.cycleSlot {
		return 0
	}
	s.cycleSlot = slot
	for key, c := range s.pending {
		if c.Slot < slot {
			delete(s.pending, key)
			dropped++
		}
	}
	return dropped
}

// Consider queues an eligible candidate. It returns false when the account
// is already in flight, when the candidate is older than the current cycle
// or than the one already pending, or when it is not eligible.
func (s *LiquidationScheduler) Consider(c *state.Candidate) bool {
	if c.State != state.CandidateEligible {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := c.Account.Key
	if _, busy := s.inFlight[key]; busy {
		return false
	}
	if c.Slot < s.cycleSlot {
		return false
	}
	if prev, ok := s.pending[key]; ok && prev.Slot > c.Slot {
		return false
	}
	if err := c.Transition(state.CandidateQueued); err != nil {
		return false
	}
	s.pending[key] = c
	return true
}

// NextBatch hands out up to capacity candidates in priority order and
// marks them in flight.
func (s *LiquidationScheduler) NextBatch(capacity int) []*state.Candidate {
	if capacity <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}

	queued := make([]*state.Candidate, 0, len(s.pending))
	for _, c := range s.pending {
		queued = append(queued, c)
	}
	sort.Slice(queued, func(i, j int) bool { return s.priority(queued[i], queued[j]) })
	if len(queued) > capacity {
		queued = queued[:capacity]
	}
	for _, c := range queued {
		delete(s.pending, c.Account.Key)
		s.inFlight[c.Account.Key] = c
	}
	return queued
}

// Release ends the in-flight claim on an account.
func (s *LiquidationScheduler) Release(key solana.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, key)
}

// Drain removes and returns every pending candidate.
func (s *LiquidationScheduler) Drain() []*state.Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*state.Candidate, 0, len(s.pending))
	for key, c := range s.pending {
		out = append(out, c)
		delete(s.pending, key)
	}
	return out
}

func (s *LiquidationScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *LiquidationScheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// IsInFlight reports whether a submission for key is outstanding.
func (s *LiquidationScheduler) IsInFlight(key solana.PublicKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[key]
	return ok
}

// QueueView is a point-in-time copy of one scheduled candidate.
type QueueView struct {
	Account     solana.PublicKey
	MarginRatio string
	Slot        uint64
	State       state.CandidateState
}

// Snapshot lists pending then in-flight candidates for the status API.
func (s *LiquidationScheduler) Snapshot() []QueueView {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]QueueView, 0, len(s.pending)+len(s.inFlight))
	add := func(c *state.Candidate, st state.CandidateState) {
		out = append(out, QueueView{
			Account:     c.Account.Key,
			MarginRatio: c.MarginRatio.String(),
			Slot:        c.Slot,
			State:       st,
		})
	}
	for _, c := range s.pending {
		add(c, state.CandidateQueued)
	}
	for _, c := range s.inFlight {
		add(c, state.CandidateSubmitting)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].State != out[j].State {
			return out[i].State < out[j].State
		}
		return bytes.Compare(out[i].Account[:], out[j].Account[:]) < 0
	})
	return out
}
