package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/canopy-network/finality/abft"
	"github.com/canopy-network/finality/finality"
	"github.com/canopy-network/finality/lib"
	"github.com/canopy-network/finality/lib/crypto"
	"github.com/canopy-network/finality/p2p"
	"github.com/stretchr/testify/require"
)

// testSchedule hands the authority set over to another set at a session
type testSchedule struct {
	before, after []lib.AuthorityId
	rotation      lib.SessionId
}

func (s testSchedule) Authorities(session lib.SessionId) ([]lib.AuthorityId, bool) {
	if session < s.rotation {
		return s.before, true
	}
	return s.after, true
}

func TestPartyRotatesSessions(t *testing.T) {
	const (
		numNodes     = 4
		numBlocks    = 12
		lastFinal    = 11 // the last block of session 2
		rotationWait = 60 * time.Second
	)
	keys := make([]crypto.PrivateKeyI, numNodes)
	public := make([]lib.AuthorityId, numNodes)
	for i := range keys {
		keys[i] = newTestKey(t)
		public[i] = keys[i].PublicKey().Bytes()
	}
	// node 0 leaves and node 3 joins at session 2
	schedule := testSchedule{before: public[:3], after: public[1:], rotation: 2}
	addresses := freeAddresses(t, numNodes)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	nodes := make([]*testNode, numNodes)
	parties := make([]*Party, numNodes)
	engines := make([]*countingEngine, numNodes)
	for i := range nodes {
		config := newTestP2PConfig()
		config.ListenAddress = addresses[i]
		// keep the records of stopped sessions to inspect them afterwards
		config.AddressCacheEvictionOnRotation = false
		for j := range addresses {
			if j != i {
				config.DialPeers = append(config.DialPeers, fmt.Sprintf("%s@%s", lib.BytesToString(public[j]), addresses[j]))
			}
		}
		var syncHandler *finality.SyncHandler
		engines[i] = newCountingEngine(abft.NewSequencer())
		n := newTestNode(t, keys[i], config, engines[i], func(j *lib.Justification) { syncHandler.Announce(j) })
		syncHandler = finality.NewSyncHandler(n.network, finality.NewVerifier(schedule, newTestSessionConfig().Boundaries()), n.chain, newTestFinalityConfig(), lib.NewNullLogger())
		syncHandler.Start(ctx)
		require.NoError(t, n.p2p.Start())
		importTestHeaders(t, n.chain, numBlocks)
		nodes[i] = n
		parties[i] = NewParty(n.manager, schedule, n.chain, n.backups, newTestSessionConfig(), lib.NewNullLogger())
	}
	done := make(chan error, numNodes)
	for _, party := range parties {
		go func(p *Party) { done <- p.Run(ctx) }(party)
	}
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if n.chain.FinalizedBlock().Number < lastFinal {
				return false
			}
		}
		return true
	}, rotationWait, 50*time.Millisecond, "every node finalizes through the rotation")
	cancel()
	for range parties {
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(testTimeout):
			t.Fatal("timeout waiting for the party to stop")
		}
	}
	// everyone agrees on the finalized chain
	expected, err := nodes[0].chain.CanonicalHash(lastFinal)
	require.NoError(t, err)
	for _, n := range nodes[1:] {
		hash, e := n.chain.CanonicalHash(lastFinal)
		require.NoError(t, e)
		require.Equal(t, expected, hash)
	}
	// the departed authority only followed session 2
	require.Equal(t, Stopped, nodes[0].manager.State(2))
	require.NotEqual(t, NotStarted, nodes[3].manager.State(2))
	require.Zero(t, engines[0].count(2), "node 0 runs no engine in session 2")
	require.Positive(t, engines[3].count(2), "node 3 receives session 2 messages")
	// nobody holds a session 2 record of node 0, node 3 learned the other authorities of session 2
	for i, n := range nodes {
		for idx := lib.NodeIndex(0); idx < numNodes; idx++ {
			if info, ok := n.network.Cache().Get(2, idx); ok {
				require.NotEqual(t, p2p.PeerId(public[0]), info.PeerId, "node %d index %d", i, idx)
			}
		}
	}
	for idx := lib.NodeIndex(0); idx < 2; idx++ {
		info, ok := nodes[3].network.Cache().Get(2, idx)
		require.True(t, ok, "node 3 has the session 2 record of index %d", idx)
		require.Equal(t, p2p.PeerId(public[idx+1]), info.PeerId)
	}
}

func TestPartyWaitsForAuthorities(t *testing.T) {
	n := newTestNode(t, newTestKey(t), newTestP2PConfig(), blockingEngine())
	party := NewParty(n.manager, StaticAuthorities{}, n.chain, nil, newTestSessionConfig(), lib.NewNullLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 3*authorityPollInterval)
	defer cancel()
	// no authority set is ever known, nothing is started
	require.NoError(t, party.Run(ctx))
	require.Equal(t, NotStarted, n.manager.State(0))
}

func TestPartyFollowsAsNonvalidator(t *testing.T) {
	n := newTestNode(t, newTestKey(t), newTestP2PConfig(), blockingEngine())
	other := StaticAuthorities{newTestKey(t).PublicKey().Bytes()}
	party := NewParty(n.manager, other, n.chain, nil, newTestSessionConfig(), lib.NewNullLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- party.Run(ctx) }()
	require.Eventually(t, func() bool { return n.manager.State(0) == NonValidating }, testTimeout, testTick)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for the party to stop")
	}
	require.Equal(t, Stopped, n.manager.State(0))
}

// countingEngine counts the messages the engine of each session receives
type countingEngine struct {
	abft.Engine
	mu       sync.Mutex
	received map[lib.SessionId]int
}

func newCountingEngine(engine abft.Engine) *countingEngine {
	return &countingEngine{Engine: engine, received: make(map[lib.SessionId]int)}
}

func (e *countingEngine) Run(ctx context.Context, s *abft.Session) error {
	network := s.Network
	inbox := make(chan p2p.SessionMessage)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-network.Receive():
				e.mu.Lock()
				e.received[s.Id]++
				e.mu.Unlock()
				select {
				case inbox <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	counted := *s
	counted.Network = &countingNetwork{Network: network, inbox: inbox}
	return e.Engine.Run(ctx, &counted)
}

func (e *countingEngine) count(session lib.SessionId) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.received[session]
}

type countingNetwork struct {
	p2p.Network
	inbox chan p2p.SessionMessage
}

func (n *countingNetwork) Receive() <-chan p2p.SessionMessage { return n.inbox }

// freeAddresses() reserves loopback ports, closing them right away so the nodes can bind them
func freeAddresses(t *testing.T, n int) (addresses []string) {
	var listeners []net.Listener
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners = append(listeners, l)
		addresses = append(addresses, l.Addr().String())
	}
	for _, l := range listeners {
		require.NoError(t, l.Close())
	}
	return
}
