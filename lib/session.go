package lib

import (
	"bytes"
	"fmt"
)

// SessionId identifies a fixed length era with one authority set
type SessionId uint32

// Next() returns the session that follows s
func (s SessionId) Next() SessionId { return s + 1 }

func (s SessionId) String() string { return fmt.Sprintf("session %d", uint32(s)) }

// NodeIndex is a validator's position in the authority list of one session
// it's only meaningful together with the list it was derived from
type NodeIndex int

// AuthorityId is the verification key of a validator, stable across sessions
type AuthorityId []byte

func (a AuthorityId) String() string { return BytesToTruncatedString(a) }

// Equals() compares two authority ids
func (a AuthorityId) Equals(b AuthorityId) bool { return bytes.Equal(a, b) }

// AuthorityIndex() returns the position of id in authorities
func AuthorityIndex(authorities []AuthorityId, id AuthorityId) (NodeIndex, bool) {
	for i, a := range authorities {
		if a.Equals(id) {
			return NodeIndex(i), true
		}
	}
	return 0, false
}

// SameAuthorities() compares two ordered authority lists
func SameAuthorities(a, b []AuthorityId) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equals(b[i]) {
			return false
		}
	}
	return true
}

// SessionBoundaryInfo maps block numbers to sessions for a fixed session length
// session s covers the blocks [s*L, (s+1)*L - 1]
type SessionBoundaryInfo struct {
	SessionLength uint64
}

// NewSessionBoundaryInfo() constructs the boundary calculator, panics on zero length
func NewSessionBoundaryInfo(sessionLength uint64) SessionBoundaryInfo {
	if sessionLength == 0 {
		panic("session length must be positive")
	}
	return SessionBoundaryInfo{SessionLength: sessionLength}
}

// FirstBlock() returns the number of the first block of the session
func (s SessionBoundaryInfo) FirstBlock(session SessionId) uint64 {
	return uint64(session) * s.SessionLength
}

// LastBlock() returns the number of the last block of the session
func (s SessionBoundaryInfo) LastBlock(session SessionId) uint64 {
	return (uint64(session)+1)*s.SessionLength - 1
}

// SessionOf() returns the session that a block belongs to
func (s SessionBoundaryInfo) SessionOf(number uint64) SessionId {
	return SessionId(number / s.SessionLength)
}

// Quorum() returns the number of signers needed for a justification over an authority set of size n
// it tolerates (n-1)/3 byzantine authorities
func Quorum(n int) int {
	if n <= 0 {
		return 0
	}
	return n - (n-1)/3
}
