package finality

import (
	"context"
	"sync"
	"testing"

	"github.com/canopy-network/finality/lib"
	"github.com/canopy-network/finality/lib/crypto"
	"github.com/canopy-network/finality/p2p"
	"github.com/stretchr/testify/require"
)

func TestVerifier(t *testing.T) {
	keys, authorities := newTestAuthorities(t, 4)
	_, others := newTestAuthorities(t, 4)
	provider := testAuthorityProvider{0: authorities, 1: others}
	verifier := NewVerifier(provider, lib.NewSessionBoundaryInfo(10))
	block := lib.NewBlockId([]byte("head"), 9)
	tests := []struct {
		name          string
		detail        string
		justification *lib.Justification
		code          lib.ErrorCode
	}{
		{name: "valid", detail: "a quorum of the session's authorities", justification: newTestJustification(t, keys, authorities, block, 0, 1, 2)},
		{name: "no quorum", detail: "two of four signed", justification: newTestJustification(t, keys, authorities, block, 0, 1), code: lib.CodeNoQuorum},
		{name: "wrong session", detail: "block 19 belongs to the session of the other set", justification: newTestJustification(t, keys, authorities, lib.NewBlockId([]byte("head"), 19), 0, 1, 2), code: lib.CodeInvalidAggregateSignature},
		{name: "unknown session", detail: "no authority set for session 2", justification: newTestJustification(t, keys, authorities, lib.NewBlockId([]byte("head"), 29), 0, 1, 2), code: lib.CodeUnknownAuthorities},
		{name: "empty", detail: "no signature at all", justification: &lib.Justification{Block: block}, code: lib.CodeEmptyAggregateSignature},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := verifier.Verify(test.justification)
			if test.code == 0 {
				require.NoError(t, err, test.detail)
				return
			}
			require.True(t, lib.IsError(err, test.code, lib.FinalityModule), test.detail)
		})
	}
}

func TestSyncHandlerAppliesJustifications(t *testing.T) {
	keys, authorities := newTestAuthorities(t, 3)
	chain := newTestChain(t)
	headers := newTestHeaders(chain.FinalizedBlock(), 4, "main")
	for _, h := range headers[:2] {
		require.NoError(t, chain.ImportHeader(h))
	}
	network := newTestSyncNetwork()
	handler := NewSyncHandler(network, NewVerifier(testAuthorityProvider{0: authorities}, lib.NewSessionBoundaryInfo(10)), chain, lib.DefaultFinalityConfig(), lib.NewNullLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler.Start(ctx)
	sender := []byte("peer")
	// an invalid justification is ignored
	network.receive(sender, newTestJustification(t, keys, authorities, headers[1].Id(), 0))
	require.Zero(t, chain.FinalizedBlock().Number)
	require.Empty(t, network.sent())
	// a valid one is applied and gossiped on, except back to the sender
	network.receive(sender, newTestJustification(t, keys, authorities, headers[1].Id(), 0, 1, 2))
	require.Equal(t, headers[1].Id(), chain.FinalizedBlock())
	require.Len(t, network.sent(), 1)
	require.Equal(t, [][]byte{sender}, network.sent()[0].exclude)
	// a justification for a block that isn't imported waits for it
	network.receive(sender, newTestJustification(t, keys, authorities, headers[3].Id(), 0, 1, 2))
	require.Equal(t, 1, handler.Pending())
	for _, h := range headers[2:] {
		require.NoError(t, chain.ImportHeader(h))
	}
	require.Eventually(t, func() bool { return chain.FinalizedBlock().Equals(headers[3].Id()) }, testTimeout, testTick)
	require.Eventually(t, func() bool { return handler.Pending() == 0 }, testTimeout, testTick)
	// old justifications are ignored
	network.receive(sender, newTestJustification(t, keys, authorities, headers[1].Id(), 0, 1, 2))
	require.Len(t, network.sent(), 2)
}

func TestSyncHandlerPendingLimit(t *testing.T) {
	keys, authorities := newTestAuthorities(t, 1)
	chain := newTestChain(t)
	network := newTestSyncNetwork()
	config := lib.DefaultFinalityConfig()
	config.PendingJustificationLimit = 2
	handler := NewSyncHandler(network, NewVerifier(testAuthorityProvider{0: authorities}, lib.NewSessionBoundaryInfo(10)), chain, config, lib.NewNullLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler.Start(ctx)
	for _, number := range []uint64{5, 3, 7} {
		network.receive(nil, newTestJustification(t, keys, authorities, lib.NewBlockId([]byte("future"), number), 0))
	}
	// the lowest was given up for the higher one, a lower one doesn't get in
	network.receive(nil, newTestJustification(t, keys, authorities, lib.NewBlockId([]byte("future"), 1), 0))
	require.Equal(t, 2, handler.Pending())
	handler.mu.Lock()
	defer handler.mu.Unlock()
	for _, p := range handler.pending {
		require.Contains(t, []uint64{5, 7}, p.justification.Block.Number)
	}
}

// newTestJustification() aggregates the signatures of the given signers over the block
func newTestJustification(t *testing.T, keys []crypto.PrivateKeyI, authorities []lib.AuthorityId, block lib.BlockId, signers ...int) *lib.Justification {
	keyBytes := make([][]byte, len(authorities))
	for i, a := range authorities {
		keyBytes[i] = a
	}
	multiKey, err := crypto.NewMultiBLS(keyBytes, nil)
	require.NoError(t, err)
	for _, i := range signers {
		require.NoError(t, multiKey.AddSigner(keys[i].Sign(block.SignBytes()), i))
	}
	signature, err := multiKey.AggregateSignatures()
	require.NoError(t, err)
	return &lib.Justification{Block: block, Signature: signature, Bitmap: multiKey.Bitmap()}
}

type testAuthorityProvider map[lib.SessionId][]lib.AuthorityId

func (p testAuthorityProvider) Authorities(session lib.SessionId) ([]lib.AuthorityId, bool) {
	a, ok := p[session]
	return a, ok
}

// testSyncNetwork calls the registered handler synchronously and records broadcasts
type testSyncNetwork struct {
	handlers   map[p2p.SyncKind]p2p.FrameHandler
	broadcasts []testBroadcast
	mu         sync.Mutex
}

type testBroadcast struct {
	kind    p2p.SyncKind
	body    []byte
	exclude [][]byte
}

func newTestSyncNetwork() *testSyncNetwork {
	return &testSyncNetwork{handlers: make(map[p2p.SyncKind]p2p.FrameHandler)}
}

func (n *testSyncNetwork) HandleSync(kind p2p.SyncKind, handler p2p.FrameHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[kind] = handler
}

func (n *testSyncNetwork) BroadcastSync(kind p2p.SyncKind, body []byte, exclude ...[]byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broadcasts = append(n.broadcasts, testBroadcast{kind: kind, body: body, exclude: exclude})
}

func (n *testSyncNetwork) receive(sender []byte, j *lib.Justification) {
	n.mu.Lock()
	handler := n.handlers[p2p.SyncJustification]
	n.mu.Unlock()
	handler(sender, j.Marshal())
}

func (n *testSyncNetwork) sent() []testBroadcast {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]testBroadcast(nil), n.broadcasts...)
}
