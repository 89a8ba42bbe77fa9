package p2p

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/canopy-network/finality/lib"
	"github.com/canopy-network/finality/lib/crypto"
	"google.golang.org/protobuf/encoding/protowire"
)

// PeerId() derives the network identity of a node from its public key
func PeerId(publicKey []byte) lib.HexBytes { return crypto.ShortHash(publicKey) }

// AddressingInformation is a signed advertisement of where a peer can be reached
// Counter is a freshness marker: a record never replaces a fresher one
type AddressingInformation struct {
	PeerId    lib.HexBytes `json:"peerId"`
	Addresses []string     `json:"addresses"`
	Counter   uint64       `json:"counter"`
	Signature lib.HexBytes `json:"signature"`
}

// NewAddressingInformation() creates and signs a record for the local node
func NewAddressingInformation(pk crypto.PrivateKeyI, addresses []string, counter uint64) *AddressingInformation {
	info := &AddressingInformation{
		PeerId:    PeerId(pk.PublicKey().Bytes()),
		Addresses: addresses,
		Counter:   counter,
	}
	info.Signature = pk.Sign(info.SignBytes())
	return info
}

// SignBytes() is the canonical encoding of every field but the signature
func (a *AddressingInformation) SignBytes() []byte {
	bz := lib.AppendBytesField(nil, 1, a.PeerId)
	for _, addr := range a.Addresses {
		bz = lib.AppendBytesField(bz, 2, []byte(addr))
	}
	return lib.AppendUint64Field(bz, 3, a.Counter)
}

func (a *AddressingInformation) Marshal() []byte {
	return lib.AppendBytesField(a.SignBytes(), 4, a.Signature)
}

func (a *AddressingInformation) Unmarshal(bz []byte) lib.ErrorI {
	*a = AddressingInformation{}
	return lib.ForEachField(bz, func(num protowire.Number, typ protowire.Type, value []byte) (err lib.ErrorI) {
		switch num {
		case 1:
			a.PeerId, err = lib.FieldBytes(typ, value)
		case 2:
			var addr []byte
			if addr, err = lib.FieldBytes(typ, value); err == nil {
				a.Addresses = append(a.Addresses, string(addr))
			}
		case 3:
			a.Counter, err = lib.FieldUint64(typ, value)
		case 4:
			a.Signature, err = lib.FieldBytes(typ, value)
		}
		return
	})
}

// Verify() checks the record was produced by `authority`: the peer id must be the authority's and the signature valid
func (a *AddressingInformation) Verify(authority lib.AuthorityId) lib.ErrorI {
	if len(a.Addresses) == 0 {
		return ErrInvalidAddressingInfo("no addresses")
	}
	if !bytes.Equal(a.PeerId, PeerId(authority)) {
		return ErrInvalidAddressingInfo(fmt.Sprintf("peer id %s doesn't belong to authority %s", a.PeerId, authority))
	}
	publicKey, err := crypto.NewBLSPublicKeyFromBytes(authority)
	if err != nil {
		return ErrInvalidPublicKey(err)
	}
	if !publicKey.VerifyBytes(a.SignBytes(), a.Signature) {
		return ErrInvalidSignature()
	}
	return nil
}

// Copy() returns a deep copy of the record
func (a *AddressingInformation) Copy() *AddressingInformation {
	return &AddressingInformation{
		PeerId:    append(lib.HexBytes(nil), a.PeerId...),
		Addresses: append([]string(nil), a.Addresses...),
		Counter:   a.Counter,
		Signature: append(lib.HexBytes(nil), a.Signature...),
	}
}

func (a *AddressingInformation) String() string {
	return fmt.Sprintf("%s@[%s]#%d", lib.BytesToTruncatedString(a.PeerId), strings.Join(a.Addresses, ","), a.Counter)
}

// DiscoveryMessage announces the addressing information of one authority of a session
type DiscoveryMessage struct {
	Session   lib.SessionId
	NodeIndex lib.NodeIndex
	Info      *AddressingInformation
}

func (d *DiscoveryMessage) Marshal() []byte {
	bz := lib.AppendUint64Field(nil, 1, uint64(d.Session))
	bz = lib.AppendUint64Field(bz, 2, uint64(d.NodeIndex))
	if d.Info != nil {
		bz = lib.AppendBytesField(bz, 3, d.Info.Marshal())
	}
	return bz
}

func (d *DiscoveryMessage) Unmarshal(bz []byte) lib.ErrorI {
	*d = DiscoveryMessage{}
	err := lib.ForEachField(bz, func(num protowire.Number, typ protowire.Type, value []byte) lib.ErrorI {
		switch num {
		case 1:
			v, err := lib.FieldUint64(typ, value)
			d.Session = lib.SessionId(v)
			return err
		case 2:
			v, err := lib.FieldUint64(typ, value)
			d.NodeIndex = lib.NodeIndex(v)
			return err
		case 3:
			v, err := lib.FieldBytes(typ, value)
			if err != nil {
				return err
			}
			d.Info = new(AddressingInformation)
			return d.Info.Unmarshal(v)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if d.Info == nil {
		return ErrInvalidAddressingInfo("missing record")
	}
	return nil
}
