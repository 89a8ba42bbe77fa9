package store

import (
	"context"
	"testing"
	"time"

	"github.com/canopy-network/finality/lib"
	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
)

func TestChainFinalize(t *testing.T) {
	chain, _ := newTestChain(t)
	main := importBranch(t, chain, chain.FinalizedBlock(), 5, "main")
	fork := importBranch(t, chain, main[1], 3, "fork") // forks off at #2
	require.Equal(t, main[4], chain.BestBlock())
	tests := []struct {
		name   string
		detail string
		block  lib.BlockId
		code   lib.ErrorCode
	}{
		{name: "finalize", detail: "finalizing #3 commits #1 and #2 as well", block: main[2]},
		{name: "repeat", detail: "re-finalizing the finalized block is a no-op", block: main[2]},
		{name: "ancestor", detail: "re-finalizing a finalized ancestor is a no-op", block: main[0]},
		{name: "conflict", detail: "a different block at a finalized number", block: fork[0], code: lib.CodeConflictingFinalization},
		{name: "fork", detail: "a block above finalized on another branch", block: fork[2], code: lib.CodeForkSafety},
		{name: "unknown", detail: "a block that was never imported", block: lib.NewBlockId([]byte("unknown"), 9), code: lib.CodeBlockNotFound},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := chain.Finalize(test.block, nil)
			if test.code == 0 {
				require.NoError(t, err, test.detail)
			} else {
				require.True(t, lib.IsError(err, test.code, lib.FinalityModule), test.detail)
			}
			require.Equal(t, main[2], chain.FinalizedBlock(), test.detail)
		})
	}
	for _, b := range main[:3] {
		hash, err := chain.CanonicalHash(b.Number)
		require.NoError(t, err)
		require.Equal(t, []byte(b.Hash), hash)
	}
	_, err := chain.CanonicalHash(4)
	require.True(t, lib.IsError(err, lib.CodeBlockNotFound, lib.FinalityModule))
}

func TestChainBestFollowsFinalized(t *testing.T) {
	chain, _ := newTestChain(t)
	main := importBranch(t, chain, chain.FinalizedBlock(), 2, "main")
	fork := importBranch(t, chain, chain.FinalizedBlock(), 4, "fork")
	require.Equal(t, fork[3], chain.BestBlock())
	// finalizing the shorter branch retracts the longer one
	require.NoError(t, chain.Finalize(main[1], nil))
	require.Equal(t, main[1], chain.BestBlock())
	// blocks on the retracted branch no longer move the best block
	importBranch(t, chain, fork[3], 1, "fork")
	require.Equal(t, main[1], chain.BestBlock())
}

func TestChainReload(t *testing.T) {
	chain, db := newTestChain(t)
	main := importBranch(t, chain, chain.FinalizedBlock(), 3, "main")
	j := &lib.Justification{Block: main[1], Signature: []byte("sig"), Bitmap: []byte{3}}
	require.NoError(t, chain.Finalize(main[1], j))
	reloaded, err := NewChain(db, nil, nil, lib.NewNullLogger())
	require.NoError(t, err)
	require.Equal(t, main[1], reloaded.FinalizedBlock())
	require.Equal(t, main[2], reloaded.BestBlock())
	got, err := reloaded.Justification(main[1].Hash)
	require.NoError(t, err)
	require.Equal(t, j.Block, got.Block)
	require.Equal(t, j.Signature, got.Signature)
	// ancestors finalized through the head carry no justification
	got, err = reloaded.Justification(main[0].Hash)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestChainValidateHeader(t *testing.T) {
	chain, _ := newTestChain(t)
	tests := []struct {
		name   string
		detail string
		header *lib.Header
		code   lib.ErrorCode
		module lib.ErrorModule
	}{
		{name: "nil", detail: "nil header", code: lib.CodeNilBlockHeader, module: lib.MainModule},
		{name: "genesis", detail: "a second genesis", header: &lib.Header{Extra: []byte("other")}, code: lib.CodeInvalidHeader, module: lib.FinalityModule},
		{name: "orphan", detail: "the parent isn't imported", header: &lib.Header{ParentHash: []byte("nope"), Number: 1}, code: lib.CodeInvalidHeader, module: lib.FinalityModule},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := chain.ImportHeader(test.header)
			require.True(t, lib.IsError(err, test.code, test.module), test.detail)
		})
	}
}

func TestChainAwait(t *testing.T) {
	chain, _ := newTestChain(t)
	next := &lib.Header{ParentHash: chain.FinalizedBlock().Hash, Number: 1}
	imported, finalized := make(chan error, 1), make(chan error, 1)
	go func() { imported <- chain.AwaitBlock(context.Background(), next.Id()) }()
	go func() { finalized <- chain.AwaitFinalized(context.Background(), 1) }()
	select {
	case <-imported:
		t.Fatal("returned before the import")
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, chain.ImportHeader(next))
	require.NoError(t, <-imported)
	require.NoError(t, chain.Finalize(next.Id(), nil))
	require.NoError(t, <-finalized)
	// cancellation releases the waiter
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, chain.AwaitBlock(ctx, lib.NewBlockId([]byte("never"), 7)), context.Canceled)
}

func newTestChain(t *testing.T) (*Chain, *badger.DB) {
	db, err := OpenDB(lib.StoreConfig{InMemory: true}, lib.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	chain, err := NewChain(db, &lib.Header{Extra: []byte("genesis")}, nil, lib.NewNullLogger())
	require.NoError(t, err)
	return chain, db
}

// importBranch() imports n blocks on top of parent, tag keeps branches from colliding
func importBranch(t *testing.T, chain *Chain, parent lib.BlockId, n int, tag string) (branch []lib.BlockId) {
	for i := 0; i < n; i++ {
		h := &lib.Header{ParentHash: parent.Hash, Number: parent.Number + 1, Extra: []byte(tag)}
		require.NoError(t, chain.ImportHeader(h))
		parent = h.Id()
		branch = append(branch, parent)
	}
	return
}
