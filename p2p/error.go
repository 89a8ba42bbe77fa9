package p2p

import (
	"fmt"
	"io"
	"strings"

	"github.com/canopy-network/finality/lib"
)

const (
	ErrListenerClosed = "use of closed network connection"
	ErrConnReset      = "connection reset by peer"
	ErrEOF            = "EOF"
	ErrPeer           = "Error peer"
)

// PeerError() normalizes common transport errors into a short log line
func PeerError(publicKey []byte, remoteAddr string, err error) string {
	newPeerErr := func(err string) string {
		return fmt.Sprintf("%s %s@%s %s", ErrPeer, lib.BytesToTruncatedString(publicKey), remoteAddr, err)
	}
	errString := err.Error()
	if strings.Contains(errString, io.EOF.Error()) {
		return newPeerErr(ErrEOF)
	}
	if strings.Contains(errString, ErrListenerClosed) {
		return newPeerErr(ErrListenerClosed)
	}
	if strings.Contains(errString, ErrConnReset) {
		return newPeerErr(ErrConnReset)
	}
	return newPeerErr(errString)
}

func ErrUnknownP2PMsg(t Topic) lib.ErrorI {
	return lib.NewError(lib.CodeUnknownP2PMessage, lib.P2PModule, fmt.Sprintf("unknown p2p message topic: %d", t))
}

func ErrBadStream() lib.ErrorI {
	return lib.NewError(lib.CodeBadStream, lib.P2PModule, "bad stream")
}

func ErrFailedRead(err error) lib.ErrorI {
	return lib.NewError(lib.CodeFailedRead, lib.P2PModule, fmt.Sprintf("read() failed with err: %s", err.Error()))
}

func ErrFailedWrite(err error) lib.ErrorI {
	return lib.NewError(lib.CodeFailedWrite, lib.P2PModule, fmt.Sprintf("write() failed with err: %s", err.Error()))
}

func ErrMaxMessageSize(size, max int) lib.ErrorI {
	return lib.NewError(lib.CodeMaxMessageSize, lib.P2PModule, fmt.Sprintf("message of %d bytes exceeds the max of %d", size, max))
}

func ErrPongTimeout() lib.ErrorI {
	return lib.NewError(lib.CodePongTimeout, lib.P2PModule, "pong timeout")
}

func ErrErrorGroup(err error) lib.ErrorI {
	return lib.NewError(lib.CodeErrorGroup, lib.P2PModule, fmt.Sprintf("error group failed with err: %s", err.Error()))
}

func ErrPeerAlreadyExists(s string) lib.ErrorI {
	return lib.NewError(lib.CodePeerAlreadyExists, lib.P2PModule, fmt.Sprintf("peer %s already exists", s))
}

func ErrPeerNotFound(s string) lib.ErrorI {
	return lib.NewError(lib.CodePeerNotFound, lib.P2PModule, fmt.Sprintf("peer %s not found", s))
}

func ErrFailedChallenge() lib.ErrorI {
	return lib.NewError(lib.CodeFailedChallenge, lib.P2PModule, "failed challenge")
}

func ErrInvalidPublicKey(err error) lib.ErrorI {
	return lib.NewError(lib.CodeInvalidPeerPublicKey, lib.P2PModule, fmt.Sprintf("invalid public key: %s", err.Error()))
}

func ErrFailedSignatureSwap(err error) lib.ErrorI {
	return lib.NewError(lib.CodeSignatureSwap, lib.P2PModule, fmt.Sprintf("signature swap failed with err: %s", err.Error()))
}

func ErrFailedHelloSwap(err error) lib.ErrorI {
	return lib.NewError(lib.CodeHelloSwap, lib.P2PModule, fmt.Sprintf("hello swap failed with err: %s", err.Error()))
}

func ErrIncompatiblePeer(networkId, peerNetworkId uint64) lib.ErrorI {
	return lib.NewError(lib.CodeIncompatiblePeer, lib.P2PModule, fmt.Sprintf("the peer is on network %d, expected %d", peerNetworkId, networkId))
}

func ErrFailedDial(err error) lib.ErrorI {
	return lib.NewError(lib.CodeFailedDial, lib.P2PModule, fmt.Sprintf("net.dial failed with err: %s", err.Error()))
}

func ErrMismatchPeerPublicKey(expected, got []byte) lib.ErrorI {
	return lib.NewError(lib.CodeMismatchPeerPublicKey, lib.P2PModule, fmt.Sprintf("mismatch peer public key: expected %s, got %s", lib.BytesToTruncatedString(expected), lib.BytesToTruncatedString(got)))
}

func ErrFailedListen(err error) lib.ErrorI {
	return lib.NewError(lib.CodeFailedListen, lib.P2PModule, fmt.Sprintf("net.listen() failed with err: %s", err.Error()))
}

func ErrBannedID(s string) lib.ErrorI {
	return lib.NewError(lib.CodeBannedID, lib.P2PModule, fmt.Sprintf("banned ID attempted to connect: %s", s))
}

func ErrMaxOutbound() lib.ErrorI {
	return lib.NewError(lib.CodeMaxOutbound, lib.P2PModule, "max outbound peers")
}

func ErrMaxInbound() lib.ErrorI {
	return lib.NewError(lib.CodeMaxInbound, lib.P2PModule, "max inbound peers")
}

func ErrInvalidNetAddress(s string) lib.ErrorI {
	return lib.NewError(lib.CodeInvalidNetAddress, lib.P2PModule, fmt.Sprintf("invalid net address: %s", s))
}

func ErrMalformedEnvelope(reason string) lib.ErrorI {
	return lib.NewError(lib.CodeMalformedEnvelope, lib.P2PModule, fmt.Sprintf("malformed envelope: %s", reason))
}

func ErrUnknownVersion(version uint16) lib.ErrorI {
	return lib.NewError(lib.CodeUnknownVersion, lib.P2PModule, fmt.Sprintf("unknown payload version %d", version))
}

func ErrInvalidAddressingInfo(reason string) lib.ErrorI {
	return lib.NewError(lib.CodeInvalidAddressingInfo, lib.P2PModule, fmt.Sprintf("invalid addressing information: %s", reason))
}

func ErrInvalidSignature() lib.ErrorI {
	return lib.NewError(lib.CodeInvalidSignature, lib.P2PModule, "invalid signature")
}

func ErrStaleAddressingInfo(counter, stored uint64) lib.ErrorI {
	return lib.NewError(lib.CodeStaleAddressingInfo, lib.P2PModule, fmt.Sprintf("addressing counter %d is older than the stored %d", counter, stored))
}

func ErrNoAddress(session lib.SessionId, idx lib.NodeIndex) lib.ErrorI {
	return lib.NewError(lib.CodeNoAddress, lib.P2PModule, fmt.Sprintf("no address known for node %d in %s", idx, session))
}

func ErrUnknownSession(session lib.SessionId) lib.ErrorI {
	return lib.NewError(lib.CodeUnknownSession, lib.SessionModule, fmt.Sprintf("%s is not registered", session))
}

func ErrAuthoritiesMismatch(session lib.SessionId) lib.ErrorI {
	return lib.NewError(lib.CodeAuthoritiesMismatch, lib.SessionModule, fmt.Sprintf("%s was started with a different role or authority set", session))
}
