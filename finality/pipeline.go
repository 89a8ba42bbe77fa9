package finality

import (
	"context"
	"sync"
	"time"

	"github.com/canopy-network/finality/lib"
)

var _ lib.FinalizationHandler = &Pipeline{}

/*
	Pipeline applies the agreed proposals of one session to the chain, strictly in the order they were agreed.
	For every proposal it:
	- drops the blocks past the session's last block and the prefix that is already finalized
	- suspends until every remaining block is imported and checks the header and its link to the previous block
	- asks the justifier for the head's justification
	- finalizes the ancestors oldest first, then the head with its justification
	A proposal that doesn't fit the chain is skipped, a finalizer safety error ends the session.
	The pipeline is done once the session's last block is finalized, by itself or by anyone else.
*/

type Pipeline struct {
	session      lib.SessionId
	lastBlock    uint64
	maxBranchLen int
	chain        lib.ChainInfoProvider
	backend      lib.Backend
	waiter       lib.BlockWaiter
	finalizer    lib.Finalizer
	justifier    Justifier
	onJustified  func(*lib.Justification)
	queue        []*lib.Proposal
	ready        chan struct{}
	mu           sync.Mutex
	metrics      *lib.Metrics
	log          lib.LoggerI
}

// PipelineConfig groups the collaborators of a pipeline
type PipelineConfig struct {
	Session      lib.SessionId
	Boundaries   lib.SessionBoundaryInfo
	MaxBranchLen int
	Chain        lib.Chain
	ChainInfo    lib.ChainInfoProvider // optional cached view of Chain
	Justifier    Justifier
	OnJustified  func(*lib.Justification) // optional, called after the head is finalized with its justification
	Metrics      *lib.Metrics
	Log          lib.LoggerI
}

// NewPipeline() creates the pipeline of a session
func NewPipeline(c PipelineConfig) *Pipeline {
	info := c.ChainInfo
	if info == nil {
		info = c.Chain
	}
	return &Pipeline{
		session:      c.Session,
		lastBlock:    c.Boundaries.LastBlock(c.Session),
		maxBranchLen: c.MaxBranchLen,
		chain:        info,
		backend:      c.Chain,
		waiter:       c.Chain,
		finalizer:    c.Chain,
		justifier:    c.Justifier,
		onJustified:  c.OnJustified,
		ready:        make(chan struct{}, 1),
		metrics:      c.Metrics,
		log:          c.Log,
	}
}

// DataFinalized() enqueues an agreed proposal, it never blocks and never reorders
func (p *Pipeline) DataFinalized(proposal *lib.Proposal) {
	if proposal == nil {
		return
	}
	p.mu.Lock()
	p.queue = append(p.queue, proposal)
	p.mu.Unlock()
	select {
	case p.ready <- struct{}{}:
	default:
	}
}

// Run() consumes the queue until the session's last block is finalized (nil) or a fatal error occurs
func (p *Pipeline) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	finished := make(chan struct{})
	go func() {
		if p.waiter.AwaitFinalized(ctx, p.lastBlock) == nil {
			close(finished)
			cancel()
		}
	}()
	for {
		for {
			proposal, ok := p.pop()
			if !ok {
				break
			}
			if err := p.process(ctx, proposal); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if p.backend.FinalizedBlock().Number >= p.lastBlock {
				p.log.Infof("Finalized the last block of %s", p.session)
				return nil
			}
		}
		select {
		case <-finished:
			p.log.Infof("The last block of %s was finalized", p.session)
			return nil
		case <-ctx.Done():
			return nil
		case <-p.ready:
		}
	}
}

func (p *Pipeline) pop() (*lib.Proposal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil, false
	}
	proposal := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	return proposal, true
}

// process() finalizes one proposal, an agreed block off the finalized chain and cancellation are returned
// malformed proposals are skipped
func (p *Pipeline) process(ctx context.Context, proposal *lib.Proposal) error {
	start := time.Now()
	if err := proposal.Check(p.maxBranchLen); err != nil {
		p.log.Warnf("ALARM: skipping agreed %s: %s", proposal, err.Error())
		return nil
	}
	finalized := p.backend.FinalizedBlock()
	var branch []lib.BlockId
	for _, id := range proposal.Branch() {
		switch {
		case id.Number > p.lastBlock:
		case id.Number < finalized.Number:
		case id.Number == finalized.Number:
			if !id.Equals(finalized) {
				err := lib.ErrConflictingFinalization(id, finalized)
				p.log.Errorf("ALARM: agreed %s in %s: %s", proposal, p.session, err.Error())
				return err
			}
		default:
			branch = append(branch, id)
		}
	}
	if len(branch) == 0 {
		return nil
	}
	// every block must be imported and link to its predecessor
	previous := finalized
	for i, id := range branch {
		if err := p.waiter.AwaitBlock(ctx, id); err != nil {
			return err
		}
		h, err := p.chain.Header(id)
		if err != nil {
			return err
		}
		if err = p.chain.ValidateHeader(h); err != nil {
			p.log.Warnf("ALARM: skipping agreed %s: %s", proposal, err.Error())
			return nil
		}
		switch {
		case i == 0 && id.Number != finalized.Number+1:
			// the parent is an ancestor outside the proposal, the finalizer checks the descent
		case i == 0 && !h.ParentId().Equals(finalized):
			err = lib.ErrForkSafety(id, finalized)
			p.log.Errorf("ALARM: agreed %s in %s: %s", proposal, p.session, err.Error())
			return err
		case !h.ParentId().Equals(previous):
			p.log.Warnf("ALARM: skipping agreed %s: %s", proposal, lib.ErrBrokenBranch(id).Error())
			return nil
		}
		previous = id
	}
	head := branch[len(branch)-1]
	justification, err := p.justify(ctx, head)
	if err != nil {
		return err
	}
	for _, id := range branch[:len(branch)-1] {
		if err = p.finalize(id, nil); err != nil {
			return err
		}
	}
	if err = p.finalize(head, justification); err != nil {
		return err
	}
	p.metrics.ObserveFinalization(time.Since(start))
	if justification != nil && p.onJustified != nil {
		p.onJustified(justification)
	}
	return nil
}

// justify() waits for the head's justification, giving up if someone else finalizes the head first
func (p *Pipeline) justify(ctx context.Context, head lib.BlockId) (*lib.Justification, error) {
	jctx, cancel := context.WithCancel(ctx)
	defer cancel()
	finalizedElsewhere := make(chan struct{})
	go func() {
		if p.waiter.AwaitFinalized(jctx, head.Number) == nil {
			close(finalizedElsewhere)
			cancel()
		}
	}()
	j, err := p.justifier.Justify(jctx, head)
	if err == nil {
		return j, nil
	}
	select {
	case <-finalizedElsewhere:
		return nil, nil
	default:
	}
	return nil, err
}

func (p *Pipeline) finalize(id lib.BlockId, j *lib.Justification) error {
	err := p.finalizer.Finalize(id, j)
	if err == nil {
		return nil
	}
	if ErrIsFatal(err) {
		p.log.Errorf("ALARM: finalizing %s in %s: %s", id, p.session, err.Error())
	}
	return err
}

// ErrIsFatal() returns whether an error ended a session's pipeline for safety reasons
func ErrIsFatal(err error) bool {
	return lib.IsError(err, lib.CodeForkSafety, lib.FinalityModule) || lib.IsError(err, lib.CodeConflictingFinalization, lib.FinalityModule)
}
