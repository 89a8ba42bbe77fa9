package lib

import (
	"testing"

	"github.com/canopy-network/finality/lib/crypto"
	"github.com/stretchr/testify/require"
)

// newTestChain() builds n linked headers on top of a zero genesis parent
func newTestChain(n int) (headers []*Header) {
	parent := []byte(nil)
	for i := 0; i < n; i++ {
		h := &Header{ParentHash: parent, Number: uint64(i), Extra: []byte{byte(i)}}
		headers = append(headers, h)
		parent = h.Hash()
	}
	return
}

func TestHeaderHashAndLinkage(t *testing.T) {
	headers := newTestChain(3)
	// the hash covers every field
	h := *headers[1]
	h.StateRoot = []byte("root")
	require.NotEqual(t, headers[1].Hash(), h.Hash())
	// decode gives back the same header and hash
	got := new(Header)
	require.NoError(t, got.Unmarshal(headers[2].Marshal()))
	require.Equal(t, headers[2].Hash(), got.Hash())
	require.True(t, got.ParentId().Equals(headers[1].Id()))
	require.Equal(t, BlockId{}, headers[0].ParentId())
}

func TestProposalBranch(t *testing.T) {
	headers := newTestChain(6)
	var ids []BlockId
	for _, h := range headers[2:] {
		ids = append(ids, h.Id())
	}
	p := NewProposal(ids)
	require.Equal(t, 4, p.Len())
	require.True(t, p.Head.Equals(headers[5].Id()))
	// the branch numbers are derived from the head
	branch := p.Branch()
	require.Len(t, branch, 4)
	for i, id := range branch {
		require.True(t, id.Equals(ids[i]), "block %d", i)
	}
	// round trip
	got := new(Proposal)
	require.NoError(t, got.Unmarshal(p.Marshal()))
	require.True(t, p.Equals(got))
	require.Nil(t, NewProposal(nil))
}

func TestProposalCheck(t *testing.T) {
	headers := newTestChain(10)
	branch := func(from, to int) (ids []BlockId) {
		for _, h := range headers[from : to+1] {
			ids = append(ids, h.Id())
		}
		return
	}
	tests := []struct {
		name     string
		detail   string
		proposal *Proposal
		err      ErrorCode
	}{
		{
			name:     "head only",
			detail:   "a single block proposal is valid",
			proposal: NewProposal(branch(3, 3)),
		},
		{
			name:     "max length",
			detail:   "a branch of exactly the max length is valid",
			proposal: NewProposal(branch(1, MaxDataBranchLen)),
		},
		{
			name:     "too long",
			detail:   "a branch above the max length is rejected",
			proposal: NewProposal(branch(1, MaxDataBranchLen+1)),
			err:      CodeBranchTooLong,
		},
		{
			name:     "too many ancestors",
			detail:   "ancestors can't go below block zero",
			proposal: &Proposal{Head: headers[1].Id(), Ancestors: []HexBytes{{1}, {2}}},
			err:      CodeInvalidBranch,
		},
		{
			name:     "empty head",
			detail:   "the head must carry a hash",
			proposal: &Proposal{Head: BlockId{Number: 4}},
			err:      CodeInvalidBranch,
		},
		{
			name:   "nil",
			detail: "a nil proposal is invalid",
			err:    CodeInvalidBranch,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.proposal.Check(MaxDataBranchLen)
			if test.err == 0 {
				require.NoError(t, err, test.detail)
				return
			}
			require.Error(t, err, test.detail)
			require.Equal(t, test.err, err.Code(), test.detail)
		})
	}
}

func TestJustificationVerify(t *testing.T) {
	// create four authorities
	var keys []crypto.PrivateKeyI
	var authorities []AuthorityId
	for i := 0; i < 4; i++ {
		k, err := crypto.NewBLSPrivateKey()
		require.NoError(t, err)
		keys = append(keys, k)
		authorities = append(authorities, k.PublicKey().Bytes())
	}
	block := newTestChain(2)[1].Id()
	justify := func(signers ...int) *Justification {
		multiKey, err := crypto.NewMultiBLS([][]byte{authorities[0], authorities[1], authorities[2], authorities[3]}, nil)
		require.NoError(t, err)
		for _, i := range signers {
			require.NoError(t, multiKey.AddSigner(keys[i].Sign(block.SignBytes()), i))
		}
		sig, err := multiKey.AggregateSignatures()
		require.NoError(t, err)
		return &Justification{Block: block, Signature: sig, Bitmap: multiKey.Bitmap()}
	}
	// quorum of 4 is 3
	require.Equal(t, 3, Quorum(4))
	j := justify(0, 1, 3)
	require.NoError(t, j.Verify(authorities))
	// round trip keeps it valid
	got := new(Justification)
	require.NoError(t, got.Unmarshal(j.Marshal()))
	require.NoError(t, got.Verify(authorities))
	// two of four is not a quorum
	err := justify(0, 1).Verify(authorities)
	require.Error(t, err)
	require.Equal(t, CodeNoQuorum, err.Code())
	// bound to exactly one block
	other := justify(0, 1, 2)
	other.Block = newTestChain(3)[2].Id()
	err = other.Verify(authorities)
	require.Error(t, err)
	require.Equal(t, CodeInvalidAggregateSignature, err.Code())
	// empty signature
	err = (&Justification{Block: block}).Verify(authorities)
	require.Equal(t, CodeEmptyAggregateSignature, err.Code())
}
