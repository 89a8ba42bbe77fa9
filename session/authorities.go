package session

import (
	"github.com/canopy-network/finality/lib"
	"github.com/canopy-network/finality/lib/crypto"
)

var _ lib.AuthorityProvider = StaticAuthorities{}

// StaticAuthorities is the same authority set for every session, the rotation signal of a development network
type StaticAuthorities []lib.AuthorityId

// NewStaticAuthorities() parses hex encoded BLS public keys
func NewStaticAuthorities(publicKeys []string) (StaticAuthorities, lib.ErrorI) {
	authorities := make(StaticAuthorities, 0, len(publicKeys))
	for _, s := range publicKeys {
		bz, err := lib.StringToBytes(s)
		if err != nil {
			return nil, err
		}
		if _, er := crypto.NewBLSPublicKeyFromBytes(bz); er != nil {
			return nil, lib.ErrPubKeyFromBytes(er)
		}
		authorities = append(authorities, bz)
	}
	return authorities, nil
}

// Authorities() returns the set for any session, unknown while the set is empty
func (s StaticAuthorities) Authorities(lib.SessionId) ([]lib.AuthorityId, bool) {
	return s, len(s) != 0
}
