package finality

import (
	"context"

	"github.com/canopy-network/finality/lib"
)

var _ lib.DataProvider = &ChainTracker{}

// ChainTracker proposes the local view of the chain for one session: the branch from the finalized block towards
// the best block, never past the session's last block
type ChainTracker struct {
	chain        lib.ChainInfoProvider
	backend      lib.Backend
	lastBlock    uint64
	maxBranchLen int
	log          lib.LoggerI
}

// NewChainTracker() creates the data provider of a session
func NewChainTracker(chain lib.ChainInfoProvider, backend lib.Backend, session lib.SessionId, boundaries lib.SessionBoundaryInfo, maxBranchLen int, log lib.LoggerI) *ChainTracker {
	return &ChainTracker{
		chain:        chain,
		backend:      backend,
		lastBlock:    boundaries.LastBlock(session),
		maxBranchLen: maxBranchLen,
		log:          log,
	}
}

// GetData() returns the current proposal or nil when there is nothing above the finalized block
func (t *ChainTracker) GetData(ctx context.Context) *lib.Proposal {
	best, finalized := t.backend.BestBlock(), t.backend.FinalizedBlock()
	if best.Number <= finalized.Number || finalized.Number >= t.lastBlock {
		return nil
	}
	// walk back from the best block, the branch is collected newest first
	var branch []lib.BlockId
	for id := best; id.Number > finalized.Number; {
		if ctx.Err() != nil {
			return nil
		}
		h, err := t.chain.Header(id)
		if err != nil {
			t.log.Debugf("Can't build a proposal: %s", err.Error())
			return nil
		}
		if id.Number <= t.lastBlock {
			branch = append(branch, id)
		}
		id = h.ParentId()
		if id.Number == finalized.Number && !id.Equals(finalized) {
			// the best block is on a fork that finalization already ruled out
			return nil
		}
	}
	for i, j := 0, len(branch)-1; i < j; i, j = i+1, j-1 {
		branch[i], branch[j] = branch[j], branch[i]
	}
	if len(branch) > t.maxBranchLen {
		branch = branch[:t.maxBranchLen]
	}
	return lib.NewProposal(branch)
}
