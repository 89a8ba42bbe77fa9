package crypto

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
)

// Address is the 20 byte short hash of a public key
type Address []byte

var _ AddressI = &Address{}

const (
	AddressSize = 20
)

// NewAddress() casts bytes to an address
func NewAddress(bz []byte) AddressI {
	a := Address(bz)
	return &a
}

func (a *Address) MarshalJSON() ([]byte, error) { return json.Marshal(a.String()) }
func (a *Address) Bytes() []byte                { return (*a)[:] }
func (a *Address) String() string               { return hex.EncodeToString(a.Bytes()) }
func (a *Address) Equals(e AddressI) bool       { return bytes.Equal(a.Bytes(), e.Bytes()) }

func (a *Address) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	bz, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	*a = bz
	return nil
}
