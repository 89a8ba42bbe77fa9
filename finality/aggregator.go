package finality

import (
	"context"
	"sync"
	"time"

	"github.com/canopy-network/finality/lib"
	"github.com/canopy-network/finality/lib/crypto"
	"github.com/canopy-network/finality/p2p"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	shareResendInterval = 2 * time.Second
	maxPendingBlocks    = 64 // blocks other authorities sent shares for that this node hasn't asked about yet
)

// Justifier produces the justification of a block
type Justifier interface {
	Justify(ctx context.Context, block lib.BlockId) (*lib.Justification, error)
}

var _ Justifier = &Aggregator{}

/*
	Aggregator turns signature shares of a session's authorities into justifications.
	Every authority signs the head it is about to finalize and broadcasts the share on the session network.
	Once a quorum of valid shares over the same block is collected they are aggregated into one BLS signature.
	Shares that arrive before this node asked for the block are kept, and a peer that is still collecting gets
	this node's share directly in reply to its own.
*/

type Aggregator struct {
	network     p2p.Network
	privateKey  crypto.PrivateKeyI
	nodeIndex   lib.NodeIndex
	authorities []lib.AuthorityId
	publicKeys  []crypto.PublicKeyI
	blocks      map[string]*blockShares
	changed     chan struct{} // closed and replaced whenever a share is added
	mu          sync.Mutex
	log         lib.LoggerI
}

type blockShares struct {
	block      lib.BlockId
	signatures map[lib.NodeIndex][]byte
	answered   map[lib.NodeIndex]bool
	own        bool
}

// NewAggregator() creates the aggregator of a session's authority set
func NewAggregator(network p2p.Network, privateKey crypto.PrivateKeyI, nodeIndex lib.NodeIndex, authorities []lib.AuthorityId, log lib.LoggerI) (*Aggregator, lib.ErrorI) {
	if nodeIndex < 0 || int(nodeIndex) >= len(authorities) {
		return nil, lib.ErrInvalidNodeIndex(nodeIndex, len(authorities))
	}
	publicKeys := make([]crypto.PublicKeyI, len(authorities))
	for i, a := range authorities {
		pk, err := crypto.NewBLSPublicKeyFromBytes(a)
		if err != nil {
			return nil, lib.ErrPubKeyFromBytes(err)
		}
		publicKeys[i] = pk
	}
	return &Aggregator{
		network:     network,
		privateKey:  privateKey,
		nodeIndex:   nodeIndex,
		authorities: authorities,
		publicKeys:  publicKeys,
		blocks:      make(map[string]*blockShares),
		changed:     make(chan struct{}),
		log:         log,
	}, nil
}

// Run() consumes the shares of other authorities until the context is done
func (a *Aggregator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-a.network.Receive():
			a.handleShare(msg)
		}
	}
}

// Justify() signs the block, broadcasts the share and waits for a quorum of shares
func (a *Aggregator) Justify(ctx context.Context, block lib.BlockId) (*lib.Justification, error) {
	s := &share{Block: block, Signature: a.privateKey.Sign(block.SignBytes())}
	a.mu.Lock()
	entry := a.entry(block)
	entry.signatures[a.nodeIndex], entry.own = s.Signature, true
	a.mu.Unlock()
	a.broadcast(s)
	resend := time.NewTicker(shareResendInterval)
	defer resend.Stop()
	for {
		a.mu.Lock()
		j, err := a.aggregate(entry)
		changed := a.changed
		if j != nil {
			a.prune(block.Number)
		}
		a.mu.Unlock()
		if err != nil {
			return nil, err
		}
		if j != nil {
			return j, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		case <-resend.C:
			a.broadcast(s)
		}
	}
}

func (a *Aggregator) handleShare(msg p2p.SessionMessage) {
	s := new(share)
	if err := s.unmarshal(msg.Data); err != nil {
		a.log.Warnf("ALARM: malformed signature share from node %d: %s", msg.From, err.Error())
		return
	}
	if msg.From < 0 || int(msg.From) >= len(a.publicKeys) {
		return
	}
	if !a.publicKeys[msg.From].VerifyBytes(s.Block.SignBytes(), s.Signature) {
		a.log.Warnf("ALARM: %s", lib.ErrInvalidPartialSignature(msg.From).Error())
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	entry := a.entry(s.Block)
	if _, found := entry.signatures[msg.From]; !found {
		entry.signatures[msg.From] = s.Signature
		close(a.changed)
		a.changed = make(chan struct{})
	}
	// a peer still collecting gets this node's share directly
	if entry.own && !entry.answered[msg.From] {
		entry.answered[msg.From] = true
		own := &share{Block: entry.block, Signature: entry.signatures[a.nodeIndex]}
		if err := a.network.Send(own.marshal(), msg.From); err != nil {
			a.log.Debugf("Failed to answer node %d: %s", msg.From, err.Error())
		}
	}
}

// aggregate() builds the justification once a quorum signed the entry's block
func (a *Aggregator) aggregate(entry *blockShares) (*lib.Justification, error) {
	if len(entry.signatures) < lib.Quorum(len(a.authorities)) {
		return nil, nil
	}
	keys := make([][]byte, len(a.authorities))
	for i, authority := range a.authorities {
		keys[i] = authority
	}
	multiKey, err := crypto.NewMultiBLS(keys, nil)
	if err != nil {
		return nil, lib.ErrNewMultiPubKey(err)
	}
	for idx, signature := range entry.signatures {
		if err = multiKey.AddSigner(signature, int(idx)); err != nil {
			return nil, lib.ErrInvalidSignerBitmap(err)
		}
	}
	signature, err := multiKey.AggregateSignatures()
	if err != nil {
		return nil, lib.ErrInvalidAggrSignature()
	}
	return &lib.Justification{Block: entry.block, Signature: signature, Bitmap: multiKey.Bitmap()}, nil
}

// entry() returns the shares of a block, making room by evicting the lowest block this node didn't sign
func (a *Aggregator) entry(block lib.BlockId) *blockShares {
	if e, ok := a.blocks[block.Key()]; ok {
		return e
	}
	if len(a.blocks) >= maxPendingBlocks {
		var victim *blockShares
		for _, e := range a.blocks {
			if !e.own && (victim == nil || e.block.Number < victim.block.Number) {
				victim = e
			}
		}
		if victim != nil {
			delete(a.blocks, victim.block.Key())
		}
	}
	e := &blockShares{block: block, signatures: make(map[lib.NodeIndex][]byte), answered: make(map[lib.NodeIndex]bool)}
	a.blocks[block.Key()] = e
	return e
}

// prune() forgets blocks below a justified number, the justified block itself is kept to answer late peers
func (a *Aggregator) prune(justified uint64) {
	for k, e := range a.blocks {
		if e.block.Number < justified {
			delete(a.blocks, k)
		}
	}
}

func (a *Aggregator) broadcast(s *share) {
	if err := a.network.Broadcast(s.marshal()); err != nil {
		a.log.Debugf("Failed to broadcast signature share: %s", err.Error())
	}
}

// share is one authority's signature over a block
type share struct {
	Block     lib.BlockId
	Signature []byte
}

func (s *share) marshal() []byte {
	var bz []byte
	bz = lib.AppendBytesField(bz, 1, s.Block.Marshal())
	return lib.AppendBytesField(bz, 2, s.Signature)
}

func (s *share) unmarshal(bz []byte) lib.ErrorI {
	*s = share{}
	err := lib.ForEachField(bz, func(num protowire.Number, typ protowire.Type, value []byte) (err lib.ErrorI) {
		switch num {
		case 1:
			var block []byte
			if block, err = lib.FieldBytes(typ, value); err != nil {
				return
			}
			err = s.Block.Unmarshal(block)
		case 2:
			s.Signature, err = lib.FieldBytes(typ, value)
		}
		return
	})
	if err == nil && len(s.Signature) == 0 {
		return lib.ErrEmptyAggregateSignature()
	}
	return err
}
