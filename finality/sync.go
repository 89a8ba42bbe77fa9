package finality

import (
	"context"
	"sync"

	"github.com/canopy-network/finality/lib"
	"github.com/canopy-network/finality/p2p"
)

// Verifier checks justifications against the authority set of the justified block's session
type Verifier struct {
	authorities lib.AuthorityProvider
	boundaries  lib.SessionBoundaryInfo
}

// NewVerifier() creates a justification verifier
func NewVerifier(authorities lib.AuthorityProvider, boundaries lib.SessionBoundaryInfo) *Verifier {
	return &Verifier{authorities: authorities, boundaries: boundaries}
}

// Verify() validates the aggregated signature and the quorum of signers
func (v *Verifier) Verify(j *lib.Justification) lib.ErrorI {
	session := v.boundaries.SessionOf(j.Block.Number)
	authorities, ok := v.authorities.Authorities(session)
	if !ok {
		return lib.ErrUnknownAuthorities(session)
	}
	return j.Verify(authorities)
}

// SyncNetwork is the part of the session network manager the sync handler gossips through
type SyncNetwork interface {
	HandleSync(kind p2p.SyncKind, handler p2p.FrameHandler)
	BroadcastSync(kind p2p.SyncKind, body []byte, exclude ...[]byte)
}

/*
	SyncHandler follows finality through justifications gossiped on the sync channel.
	A verified justification above the finalized block is applied through the finalizer and gossiped on once.
	Justifications for blocks that aren't imported yet wait for the import, the number waiting is bounded
	and the lowest ones are given up first since a higher justification finalizes them anyway.
*/

type SyncHandler struct {
	network   SyncNetwork
	verifier  *Verifier
	finalizer lib.Finalizer
	backend   lib.Backend
	chain     lib.ChainInfoProvider
	waiter    lib.BlockWaiter
	pending   map[string]*pendingJustification
	limit     int
	ctx       context.Context
	mu        sync.Mutex
	log       lib.LoggerI
}

type pendingJustification struct {
	justification *lib.Justification
	sender        []byte
	cancel        context.CancelFunc
}

// NewSyncHandler() creates the handler, it becomes active with Start()
func NewSyncHandler(network SyncNetwork, verifier *Verifier, chain lib.Chain, c lib.FinalityConfig, log lib.LoggerI) *SyncHandler {
	return &SyncHandler{
		network:   network,
		verifier:  verifier,
		finalizer: chain,
		backend:   chain,
		chain:     chain,
		waiter:    chain,
		pending:   make(map[string]*pendingJustification),
		limit:     c.PendingJustificationLimit,
		ctx:       context.Background(),
		log:       lib.WithPrefix(log, "sync"),
	}
}

// Start() registers the handler on the sync channel, waiting justifications are abandoned once ctx is done
func (s *SyncHandler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.network.HandleSync(p2p.SyncJustification, s.handle)
}

// Announce() gossips a justification produced locally
func (s *SyncHandler) Announce(j *lib.Justification) {
	s.network.BroadcastSync(p2p.SyncJustification, j.Marshal())
}

// Pending() returns the number of justifications waiting for their block
func (s *SyncHandler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *SyncHandler) handle(sender []byte, body []byte) {
	j := new(lib.Justification)
	if err := j.Unmarshal(body); err != nil {
		s.log.Warnf("ALARM: malformed justification from %s: %s", lib.BytesToTruncatedString(sender), err.Error())
		return
	}
	if j.Block.Number <= s.backend.FinalizedBlock().Number {
		return
	}
	if err := s.verifier.Verify(j); err != nil {
		s.log.Warnf("Rejected justification of %s from %s: %s", j.Block, lib.BytesToTruncatedString(sender), err.Error())
		return
	}
	if s.chain.IsBlockKnown(j.Block) {
		s.apply(j, sender)
		return
	}
	s.wait(j, sender)
}

// wait() parks the justification until its block is imported
func (s *SyncHandler) wait(j *lib.Justification, sender []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, found := s.pending[j.Block.Key()]; found || s.limit <= 0 {
		return
	}
	if len(s.pending) >= s.limit {
		var victim string
		var lowest *lib.Justification
		for k, p := range s.pending {
			if lowest == nil || p.justification.Block.Number < lowest.Block.Number {
				victim, lowest = k, p.justification
			}
		}
		if lowest.Block.Number > j.Block.Number {
			return
		}
		s.pending[victim].cancel()
		delete(s.pending, victim)
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.pending[j.Block.Key()] = &pendingJustification{justification: j, sender: sender, cancel: cancel}
	go func() {
		defer func() {
			cancel()
			s.mu.Lock()
			if p, ok := s.pending[j.Block.Key()]; ok && p.justification == j {
				delete(s.pending, j.Block.Key())
			}
			s.mu.Unlock()
		}()
		if err := s.waiter.AwaitBlock(ctx, j.Block); err != nil {
			return
		}
		s.apply(j, sender)
	}()
}

func (s *SyncHandler) apply(j *lib.Justification, sender []byte) {
	if j.Block.Number <= s.backend.FinalizedBlock().Number {
		return
	}
	if err := s.finalizer.Finalize(j.Block, j); err != nil {
		s.log.Errorf("ALARM: failed to apply the justification of %s: %s", j.Block, err.Error())
		return
	}
	s.network.BroadcastSync(p2p.SyncJustification, j.Marshal(), sender)
}
