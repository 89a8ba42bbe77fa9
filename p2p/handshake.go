package p2p

import (
	"crypto/rand"
	"net"
	"time"

	"github.com/canopy-network/finality/lib"
	"github.com/canopy-network/finality/lib/crypto"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/encoding/protowire"
)

/*
	Handshake to an authenticated connection:
	1) Both sides swap a hello: network id, public key and a fresh random nonce
	2) Each side signs the peer's nonce concatenated with its own public key and swaps the signature
	3) Each side verifies the peer's signature over its own nonce, proving the peer holds the advertised key
*/

const (
	nonceSize            = 32
	maxHandshakeFrameLen = 1024
)

type hello struct {
	NetworkId uint64
	PublicKey []byte
	Nonce     []byte
}

func (h *hello) marshal() []byte {
	bz := lib.AppendUint64Field(nil, 1, h.NetworkId)
	bz = lib.AppendBytesField(bz, 2, h.PublicKey)
	return lib.AppendBytesField(bz, 3, h.Nonce)
}

func (h *hello) unmarshal(bz []byte) lib.ErrorI {
	return lib.ForEachField(bz, func(num protowire.Number, typ protowire.Type, value []byte) (err lib.ErrorI) {
		switch num {
		case 1:
			h.NetworkId, err = lib.FieldUint64(typ, value)
		case 2:
			h.PublicKey, err = lib.FieldBytes(typ, value)
		case 3:
			h.Nonce, err = lib.FieldBytes(typ, value)
		}
		return
	})
}

// Handshake() authenticates both ends of conn, returning the verified public key of the peer
func Handshake(conn net.Conn, privateKey crypto.PrivateKeyI, networkId uint64, timeout time.Duration) (crypto.PublicKeyI, lib.ErrorI) {
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
		defer func() { _ = conn.SetDeadline(time.Time{}) }()
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, ErrFailedHelloSwap(err)
	}
	ownPublicKey := privateKey.PublicKey().Bytes()
	peerHello, err := helloSwap(conn, &hello{NetworkId: networkId, PublicKey: ownPublicKey, Nonce: nonce})
	if err != nil {
		return nil, err
	}
	if peerHello.NetworkId != networkId {
		return nil, ErrIncompatiblePeer(networkId, peerHello.NetworkId)
	}
	peerPublicKey, er := crypto.NewBLSPublicKeyFromBytes(peerHello.PublicKey)
	if er != nil {
		return nil, ErrInvalidPublicKey(er)
	}
	peerSignature, err := signatureSwap(conn, privateKey.Sign(challenge(peerHello.Nonce, ownPublicKey)))
	if err != nil {
		return nil, err
	}
	if !peerPublicKey.VerifyBytes(challenge(nonce, peerPublicKey.Bytes()), peerSignature) {
		return nil, ErrFailedChallenge()
	}
	return peerPublicKey, nil
}

func challenge(nonce, publicKey []byte) []byte {
	return append(append(make([]byte, 0, len(nonce)+len(publicKey)), nonce...), publicKey...)
}

func helloSwap(conn net.Conn, own *hello) (*hello, lib.ErrorI) {
	var g errgroup.Group
	peer := new(hello)
	g.Go(func() error {
		_, err := writeFrame(conn, &Frame{Topic: TopicHandshake, Payload: own.marshal()})
		return errOrNil(err)
	})
	g.Go(func() error {
		f, _, err := readFrame(conn, maxHandshakeFrameLen)
		if err != nil {
			return err
		}
		if f.Topic != TopicHandshake {
			return ErrBadStream()
		}
		return errOrNil(peer.unmarshal(f.Payload))
	})
	if er := g.Wait(); er != nil {
		return nil, ErrFailedHelloSwap(er)
	}
	return peer, nil
}

func signatureSwap(conn net.Conn, signature []byte) ([]byte, lib.ErrorI) {
	var g errgroup.Group
	var peerSignature []byte
	g.Go(func() error {
		_, err := writeFrame(conn, &Frame{Topic: TopicHandshake, Payload: signature})
		return errOrNil(err)
	})
	g.Go(func() error {
		f, _, err := readFrame(conn, maxHandshakeFrameLen)
		if err != nil {
			return err
		}
		if f.Topic != TopicHandshake {
			return ErrBadStream()
		}
		peerSignature = f.Payload
		return nil
	})
	if er := g.Wait(); er != nil {
		return nil, ErrFailedSignatureSwap(er)
	}
	return peerSignature, nil
}

// errOrNil() avoids returning a typed nil lib.ErrorI as a non nil error
func errOrNil(err lib.ErrorI) error {
	if err == nil {
		return nil
	}
	return err
}
