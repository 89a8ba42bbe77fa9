package finality

import (
	"context"
	"testing"

	"github.com/canopy-network/finality/lib"
	"github.com/canopy-network/finality/store"
	"github.com/stretchr/testify/require"
)

func TestChainTrackerGetData(t *testing.T) {
	tests := []struct {
		name      string
		detail    string
		imported  int    // blocks on top of genesis
		finalized int    // blocks finalized
		session   uint32 // with a session length of 10
		maxLen    int
		expected  []int // block numbers of the proposal, oldest first
	}{
		{name: "nothing new", detail: "best equals finalized", imported: 3, finalized: 3, maxLen: 7},
		{name: "full branch", detail: "everything above finalized", imported: 5, finalized: 2, maxLen: 7, expected: []int{3, 4, 5}},
		{name: "capped", detail: "at most the max branch length, oldest first", imported: 9, finalized: 0, maxLen: 4, expected: []int{1, 2, 3, 4}},
		{name: "session end", detail: "never past the last block of the session", imported: 14, finalized: 6, maxLen: 7, expected: []int{7, 8, 9}},
		{name: "session over", detail: "the session's last block is already finalized", imported: 14, finalized: 9, maxLen: 7},
		{name: "next session", detail: "the second session proposes its own blocks", imported: 14, finalized: 9, session: 1, maxLen: 7, expected: []int{10, 11, 12, 13, 14}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			chain := newTestChain(t)
			branch := importTestBranch(t, chain, chain.FinalizedBlock(), test.imported, "main")
			if test.finalized > 0 {
				require.NoError(t, chain.Finalize(branch[test.finalized-1], nil))
			}
			tracker := NewChainTracker(chain, chain, lib.SessionId(test.session), lib.NewSessionBoundaryInfo(10), test.maxLen, lib.NewNullLogger())
			got := tracker.GetData(context.Background())
			if test.expected == nil {
				require.Nil(t, got, test.detail)
				return
			}
			require.NotNil(t, got, test.detail)
			var numbers []int
			for _, id := range got.Branch() {
				numbers = append(numbers, int(id.Number))
				require.True(t, id.Equals(branch[id.Number-1]), test.detail)
			}
			require.Equal(t, test.expected, numbers, test.detail)
		})
	}
}

func TestChainTrackerIgnoresRetractedBest(t *testing.T) {
	chain := newTestChain(t)
	main := importTestBranch(t, chain, chain.FinalizedBlock(), 2, "main")
	importTestBranch(t, chain, main[0], 3, "fork")
	require.Equal(t, uint64(4), chain.BestBlock().Number)
	tracker := NewChainTracker(chain, chain, 0, lib.NewSessionBoundaryInfo(10), 7, lib.NewNullLogger())
	got := tracker.GetData(context.Background())
	require.NotNil(t, got)
	require.Equal(t, 4, got.Len(), "the fork is still compatible with the finalized genesis")
	// once the other branch is finalized the fork can't be proposed
	require.NoError(t, chain.Finalize(main[1], nil))
	require.Nil(t, tracker.GetData(context.Background()))
}

func TestCachedChainInfo(t *testing.T) {
	chain := newTestChain(t)
	branch := importTestBranch(t, chain, chain.FinalizedBlock(), 3, "main")
	counting := &countingChainInfo{ChainInfoProvider: chain}
	cached, err := NewCachedChainInfo(counting, 2)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.True(t, cached.IsBlockKnown(branch[0]))
	}
	require.Equal(t, 1, counting.calls, "repeated lookups are served from memory")
	// misses aren't cached since the block may be imported later
	unknown := lib.NewBlockId([]byte("later"), 9)
	require.False(t, cached.IsBlockKnown(unknown))
	require.False(t, cached.IsBlockKnown(unknown))
	require.Equal(t, 3, counting.calls)
	// the least recently used header is evicted
	cached.IsBlockKnown(branch[1])
	cached.IsBlockKnown(branch[2])
	cached.IsBlockKnown(branch[0])
	require.Equal(t, 6, counting.calls)
	_, err = NewCachedChainInfo(chain, 0)
	require.Error(t, err)
}

type countingChainInfo struct {
	lib.ChainInfoProvider
	calls int
}

func (c *countingChainInfo) Header(id lib.BlockId) (*lib.Header, lib.ErrorI) {
	c.calls++
	return c.ChainInfoProvider.Header(id)
}

func newTestChain(t *testing.T) *store.Chain {
	db, err := store.OpenDB(lib.StoreConfig{InMemory: true}, lib.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	chain, err := store.NewChain(db, &lib.Header{Extra: []byte("genesis")}, nil, lib.NewNullLogger())
	require.NoError(t, err)
	return chain
}

// importTestBranch() imports n blocks on top of parent, tag keeps branches apart
func importTestBranch(t *testing.T, chain *store.Chain, parent lib.BlockId, n int, tag string) (branch []lib.BlockId) {
	for _, h := range newTestHeaders(parent, n, tag) {
		require.NoError(t, chain.ImportHeader(h))
		branch = append(branch, h.Id())
	}
	return
}

func newTestHeaders(parent lib.BlockId, n int, tag string) (headers []*lib.Header) {
	for i := 0; i < n; i++ {
		h := &lib.Header{ParentHash: parent.Hash, Number: parent.Number + 1, Extra: []byte(tag)}
		headers = append(headers, h)
		parent = h.Id()
	}
	return
}
