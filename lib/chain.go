package lib

import (
	"context"
	"io"
)

/*
	This file defines the collaborators of the node. The chain backend, the agreement engine and the source of
	authority sets are external: anything satisfying these interfaces can drive the finality layer.
*/

// ChainInfoProvider answers questions about locally imported blocks
type ChainInfoProvider interface {
	// IsBlockKnown() returns true once the block is imported
	IsBlockKnown(id BlockId) bool
	// Header() returns the header of an imported block or ErrBlockNotFound
	Header(id BlockId) (*Header, ErrorI)
	// ValidateHeader() runs the header validity checks of the chain
	ValidateHeader(h *Header) ErrorI
}

// Finalizer irreversibly commits a block and its ancestors to canonical history
// re-finalizing a finalized block is a no-op; a block that doesn't descend from the finalized block
// fails with a fork safety error; a different block at or below the finalized number fails with a
// conflicting finalization error
type Finalizer interface {
	Finalize(id BlockId, justification *Justification) ErrorI
}

// Backend reports the chain heads
type Backend interface {
	BestBlock() BlockId
	FinalizedBlock() BlockId
}

// BlockWaiter suspends the caller until the chain makes progress, the import notification side of the chain
type BlockWaiter interface {
	// AwaitBlock() returns once the block is imported or the context is done
	AwaitBlock(ctx context.Context, id BlockId) error
	// AwaitFinalized() returns once the finalized number reaches number or the context is done
	AwaitFinalized(ctx context.Context, number uint64) error
}

// Chain is the full set of chain capabilities the node consumes
type Chain interface {
	ChainInfoProvider
	Finalizer
	Backend
	BlockWaiter
}

// AuthorityProvider is the session rotation signal: the authority set of a session once it is known
type AuthorityProvider interface {
	Authorities(session SessionId) ([]AuthorityId, bool)
}

// DataProvider is pulled by the agreement engine for the local proposal
type DataProvider interface {
	GetData(ctx context.Context) *Proposal
}

// FinalizationHandler receives the agreement engine's totally ordered output
type FinalizationHandler interface {
	DataFinalized(p *Proposal)
}

// ABFTBackup is the recovery log of one session's agreement engine
// the Saver receives every record before its effects are visible, the Loader replays all earlier runs
type ABFTBackup struct {
	Saver  io.Writer
	Loader io.Reader
}

// NewEmptyBackup() is the backup of a node that doesn't persist engine state
func NewEmptyBackup() ABFTBackup {
	return ABFTBackup{Saver: io.Discard, Loader: emptyReader{}}
}

type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, io.EOF }
