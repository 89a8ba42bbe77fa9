package lib

import (
	"bytes"
	"fmt"

	"github.com/canopy-network/finality/lib/crypto"
	"google.golang.org/protobuf/encoding/protowire"
)

/* This file defines the chain facing types of the node: block ids, headers, proposals and justifications */

// MaxDataBranchLen is the max number of blocks a single proposal may carry
const MaxDataBranchLen = 7

// BlockId is a (hash, number) pair identifying a block
type BlockId struct {
	Hash   HexBytes `json:"hash"`
	Number uint64   `json:"number"`
}

// NewBlockId() is a convenience constructor
func NewBlockId(hash []byte, number uint64) BlockId { return BlockId{Hash: hash, Number: number} }

// Equals() compares both the hash and the number
func (b BlockId) Equals(o BlockId) bool { return b.Number == o.Number && bytes.Equal(b.Hash, o.Hash) }

// Key() is a map key for the block id
func (b BlockId) Key() string { return fmt.Sprintf("%d/%x", b.Number, []byte(b.Hash)) }

func (b BlockId) String() string {
	return fmt.Sprintf("#%d (%s)", b.Number, BytesToTruncatedString(b.Hash))
}

// Marshal() encodes the block id
func (b BlockId) Marshal() []byte {
	var bz []byte
	bz = AppendBytesField(bz, 1, b.Hash)
	return AppendUint64Field(bz, 2, b.Number)
}

// SignBytes() are the bytes authorities sign when they vouch for the block
func (b BlockId) SignBytes() []byte {
	return append([]byte("finality/justification/"), b.Marshal()...)
}

// Unmarshal() decodes a block id
func (b *BlockId) Unmarshal(bz []byte) ErrorI {
	*b = BlockId{}
	return ForEachField(bz, func(num protowire.Number, typ protowire.Type, value []byte) (err ErrorI) {
		switch num {
		case 1:
			b.Hash, err = FieldBytes(typ, value)
		case 2:
			b.Number, err = FieldUint64(typ, value)
		}
		return
	})
}

// Header is the minimal block header the node needs: linkage and a hash
type Header struct {
	ParentHash HexBytes `json:"parentHash"`
	Number     uint64   `json:"number"`
	StateRoot  HexBytes `json:"stateRoot"`
	Extra      HexBytes `json:"extra"`
}

// Marshal() encodes the header in its canonical form
func (h *Header) Marshal() []byte {
	var bz []byte
	bz = AppendBytesField(bz, 1, h.ParentHash)
	bz = AppendUint64Field(bz, 2, h.Number)
	bz = AppendBytesField(bz, 3, h.StateRoot)
	return AppendBytesField(bz, 4, h.Extra)
}

// Unmarshal() decodes a header
func (h *Header) Unmarshal(bz []byte) ErrorI {
	*h = Header{}
	return ForEachField(bz, func(num protowire.Number, typ protowire.Type, value []byte) (err ErrorI) {
		switch num {
		case 1:
			h.ParentHash, err = FieldBytes(typ, value)
		case 2:
			h.Number, err = FieldUint64(typ, value)
		case 3:
			h.StateRoot, err = FieldBytes(typ, value)
		case 4:
			h.Extra, err = FieldBytes(typ, value)
		}
		return
	})
}

// Hash() is the hash of the canonical encoding
func (h *Header) Hash() []byte { return crypto.Hash(h.Marshal()) }

// Id() returns the block id of the header
func (h *Header) Id() BlockId { return BlockId{Hash: h.Hash(), Number: h.Number} }

// ParentId() returns the block id of the parent
func (h *Header) ParentId() BlockId {
	if h.Number == 0 {
		return BlockId{}
	}
	return BlockId{Hash: h.ParentHash, Number: h.Number - 1}
}

// Proposal is a candidate chain extension: a head block plus the hashes of the blocks strictly between
// the last known finalized block and the head, oldest first
type Proposal struct {
	Head      BlockId    `json:"head"`
	Ancestors []HexBytes `json:"ancestors"`
}

// NewProposal() builds a proposal out of a branch ordered oldest to newest
func NewProposal(branch []BlockId) *Proposal {
	if len(branch) == 0 {
		return nil
	}
	p := &Proposal{Head: branch[len(branch)-1]}
	for _, id := range branch[:len(branch)-1] {
		p.Ancestors = append(p.Ancestors, id.Hash)
	}
	return p
}

// Len() returns the number of blocks in the proposal
func (p *Proposal) Len() int { return len(p.Ancestors) + 1 }

// Branch() returns every block of the proposal as a block id, oldest to newest, the head last
func (p *Proposal) Branch() []BlockId {
	branch := make([]BlockId, 0, p.Len())
	first := p.Head.Number - uint64(len(p.Ancestors))
	for i, hash := range p.Ancestors {
		branch = append(branch, BlockId{Hash: hash, Number: first + uint64(i)})
	}
	return append(branch, p.Head)
}

// Check() validates the shape of the proposal, not the chain it refers to
func (p *Proposal) Check(maxBranchLen int) ErrorI {
	if p == nil {
		return ErrInvalidBranch("nil proposal")
	}
	if p.Len() > maxBranchLen {
		return ErrBranchTooLong(p.Len(), maxBranchLen)
	}
	if uint64(len(p.Ancestors)) > p.Head.Number {
		return ErrInvalidBranch("more ancestors than blocks below the head")
	}
	if len(p.Head.Hash) == 0 {
		return ErrInvalidBranch("empty head hash")
	}
	for _, a := range p.Ancestors {
		if len(a) == 0 {
			return ErrInvalidBranch("empty ancestor hash")
		}
	}
	return nil
}

// Equals() compares two proposals
func (p *Proposal) Equals(o *Proposal) bool {
	if p == nil || o == nil {
		return p == o
	}
	if !p.Head.Equals(o.Head) || len(p.Ancestors) != len(o.Ancestors) {
		return false
	}
	for i := range p.Ancestors {
		if !bytes.Equal(p.Ancestors[i], o.Ancestors[i]) {
			return false
		}
	}
	return true
}

func (p *Proposal) String() string {
	return fmt.Sprintf("proposal head=%s len=%d", p.Head, p.Len())
}

// Marshal() encodes the proposal
func (p *Proposal) Marshal() []byte {
	var bz []byte
	bz = AppendBytesField(bz, 1, p.Head.Marshal())
	for _, a := range p.Ancestors {
		bz = protowire.AppendTag(bz, 2, protowire.BytesType)
		bz = protowire.AppendBytes(bz, a)
	}
	return bz
}

// Unmarshal() decodes a proposal
func (p *Proposal) Unmarshal(bz []byte) ErrorI {
	*p = Proposal{}
	return ForEachField(bz, func(num protowire.Number, typ protowire.Type, value []byte) ErrorI {
		switch num {
		case 1:
			head, err := FieldBytes(typ, value)
			if err != nil {
				return err
			}
			return p.Head.Unmarshal(head)
		case 2:
			ancestor, err := FieldBytes(typ, value)
			if err != nil {
				return err
			}
			p.Ancestors = append(p.Ancestors, ancestor)
		}
		return nil
	})
}

// Justification is the aggregated signature of a quorum of a session's authorities over exactly one block
type Justification struct {
	Block     BlockId  `json:"block"`
	Signature HexBytes `json:"signature"`
	Bitmap    HexBytes `json:"bitmap"`
}

// Marshal() encodes the justification
func (j *Justification) Marshal() []byte {
	var bz []byte
	bz = AppendBytesField(bz, 1, j.Block.Marshal())
	bz = AppendBytesField(bz, 2, j.Signature)
	return AppendBytesField(bz, 3, j.Bitmap)
}

// Unmarshal() decodes a justification
func (j *Justification) Unmarshal(bz []byte) ErrorI {
	*j = Justification{}
	return ForEachField(bz, func(num protowire.Number, typ protowire.Type, value []byte) (err ErrorI) {
		switch num {
		case 1:
			var block []byte
			if block, err = FieldBytes(typ, value); err != nil {
				return
			}
			err = j.Block.Unmarshal(block)
		case 2:
			j.Signature, err = FieldBytes(typ, value)
		case 3:
			j.Bitmap, err = FieldBytes(typ, value)
		}
		return
	})
}

// Verify() checks the aggregated signature against the authority set of the block's session
func (j *Justification) Verify(authorities []AuthorityId) ErrorI {
	if len(j.Signature) == 0 {
		return ErrEmptyAggregateSignature()
	}
	keys := make([][]byte, len(authorities))
	for i, a := range authorities {
		keys[i] = a
	}
	multiKey, err := crypto.NewMultiBLS(keys, j.Bitmap)
	if err != nil {
		return ErrInvalidSignerBitmap(err)
	}
	if signed, required := multiKey.SignerCount(), Quorum(len(authorities)); signed < required {
		return ErrNoQuorum(signed, required)
	}
	if !multiKey.VerifyBytes(j.Block.SignBytes(), j.Signature) {
		return ErrInvalidAggrSignature()
	}
	return nil
}
