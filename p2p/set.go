package p2p

import (
	"sync"

	"github.com/canopy-network/finality/lib"
)

const (
	MaxPeerReputation     = 10
	MinimumPeerReputation = -10
)

// PeerInfo is the authenticated information of a connected peer
type PeerInfo struct {
	PublicKey  lib.HexBytes `json:"publicKey"`
	PeerId     lib.HexBytes `json:"peerId"`
	NetAddress string       `json:"netAddress"`
	IsOutbound bool         `json:"isOutbound"`
	IsDialPeer bool         `json:"isDialPeer"` // configured dial peers are exempt from limits and reputation eviction
	Reputation int32        `json:"reputation"`
}

func (p *PeerInfo) Copy() *PeerInfo {
	cp := *p
	cp.PublicKey = append(lib.HexBytes(nil), p.PublicKey...)
	cp.PeerId = append(lib.HexBytes(nil), p.PeerId...)
	return &cp
}

// Peer is a multiplexed connection + authenticated peer information
type Peer struct {
	conn      *MultiConn // multiplexed tcp connection
	*PeerInfo            // authenticated information of the peer
	stop      sync.Once  // ensures a peer may only be stopped once
}

// PeerSet is the structure that maintains the connections and metadata of connected peers
type PeerSet struct {
	m            map[string]*Peer // public key -> Peer
	inbound      int              // inbound count
	outbound     int              // outbound count
	sync.RWMutex                  // read / write mutex
	config       lib.P2PConfig    // p2p configuration
	metrics      *lib.Metrics
}

func NewPeerSet(c lib.P2PConfig, metrics *lib.Metrics) PeerSet {
	return PeerSet{
		m:       make(map[string]*Peer),
		config:  c,
		metrics: metrics,
	}
}

// Add() introduces a peer to the set
func (ps *PeerSet) Add(p *Peer) (err lib.ErrorI) {
	ps.Lock()
	defer ps.Unlock()
	pubKey := lib.BytesToString(p.PublicKey)
	if _, found := ps.m[pubKey]; found {
		return ErrPeerAlreadyExists(pubKey)
	}
	if !p.IsDialPeer {
		switch {
		case p.IsOutbound && ps.outbound >= ps.config.MaxOutbound:
			return ErrMaxOutbound()
		case !p.IsOutbound && ps.inbound >= ps.config.MaxInbound:
			return ErrMaxInbound()
		case p.IsOutbound:
			ps.outbound++
		default:
			ps.inbound++
		}
	}
	ps.set(p)
	ps.updateMetrics()
	return nil
}

// Remove() evicts a peer from the set
func (ps *PeerSet) Remove(publicKey []byte) (peer *Peer, err lib.ErrorI) {
	ps.Lock()
	defer ps.Unlock()
	peer, err = ps.get(publicKey)
	if err != nil {
		return
	}
	ps.stopAndRemove(peer)
	return
}

// RemoveConn() evicts the peer only if it is still served by `conn`, a nil conn matches any
func (ps *PeerSet) RemoveConn(publicKey []byte, conn *MultiConn) {
	ps.Lock()
	defer ps.Unlock()
	peer, err := ps.get(publicKey)
	if err != nil || (conn != nil && peer.conn != conn) {
		return
	}
	ps.stopAndRemove(peer)
}

// ChangeReputation() updates the peer reputation +/- based on the int32 delta
func (ps *PeerSet) ChangeReputation(publicKey []byte, delta int32) {
	ps.Lock()
	defer ps.Unlock()
	peer, err := ps.get(publicKey)
	if err != nil {
		return
	}
	peer.Reputation += delta
	if peer.Reputation >= MaxPeerReputation {
		peer.Reputation = MaxPeerReputation
	}
	// configured dial peers are never evicted for their reputation
	if !peer.IsDialPeer && peer.Reputation < MinimumPeerReputation {
		ps.stopAndRemove(peer)
	}
}

// GetPeerInfo() returns a copy of the authenticated information from the peer structure
func (ps *PeerSet) GetPeerInfo(publicKey []byte) (*PeerInfo, lib.ErrorI) {
	ps.RLock()
	defer ps.RUnlock()
	peer, err := ps.get(publicKey)
	if err != nil {
		return nil, err
	}
	return peer.PeerInfo.Copy(), nil
}

// SendTo() queues a message for a specific peer based on their public key
func (ps *PeerSet) SendTo(publicKey []byte, topic Topic, payload []byte, critical bool) lib.ErrorI {
	ps.RLock()
	defer ps.RUnlock()
	peer, err := ps.get(publicKey)
	if err != nil {
		return err
	}
	return peer.conn.Send(topic, payload, critical)
}

// SendToPeers() queues a message for every connected peer except `exclude`
func (ps *PeerSet) SendToPeers(topic Topic, payload []byte, critical bool, exclude ...[]byte) {
	ps.RLock()
	defer ps.RUnlock()
	skip := make(map[string]struct{}, len(exclude))
	for _, e := range exclude {
		skip[lib.BytesToString(e)] = struct{}{}
	}
	for k, p := range ps.m {
		if _, found := skip[k]; found {
			continue
		}
		_ = p.conn.Send(topic, payload, critical)
	}
}

// Has() returns if the set has a peer with a specific public key
func (ps *PeerSet) Has(publicKey []byte) bool {
	ps.RLock()
	defer ps.RUnlock()
	_, found := ps.m[lib.BytesToString(publicKey)]
	return found
}

// Len() returns the number of connected peers
func (ps *PeerSet) Len() int {
	ps.RLock()
	defer ps.RUnlock()
	return len(ps.m)
}

// Stop() stops the entire peer set
func (ps *PeerSet) Stop() {
	ps.Lock()
	defer ps.Unlock()
	for _, p := range ps.m {
		ps.stopAndRemove(p)
	}
}

// stopAndRemove() stops the peer, decrements the in/out counters, and deletes it from the set
func (ps *PeerSet) stopAndRemove(peer *Peer) {
	peer.stop.Do(peer.conn.Stop)
	if !peer.IsDialPeer {
		if peer.IsOutbound {
			ps.outbound--
		} else {
			ps.inbound--
		}
	}
	ps.del(peer.PublicKey)
	ps.updateMetrics()
}

func (ps *PeerSet) updateMetrics() {
	ps.metrics.UpdatePeerMetrics(len(ps.m), ps.inbound, ps.outbound)
}

// map based CRUD operations below
func (ps *PeerSet) set(p *Peer)          { ps.m[lib.BytesToString(p.PublicKey)] = p }
func (ps *PeerSet) del(publicKey []byte) { delete(ps.m, lib.BytesToString(publicKey)) }
func (ps *PeerSet) get(publicKey []byte) (*Peer, lib.ErrorI) {
	pub := lib.BytesToString(publicKey)
	peer, ok := ps.m[pub]
	if !ok {
		return nil, ErrPeerNotFound(pub)
	}
	return peer, nil
}
