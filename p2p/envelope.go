package p2p

import (
	"encoding/binary"
	"math"

	"github.com/canopy-network/finality/lib"
	"google.golang.org/protobuf/encoding/protowire"
)

/*
	Session scoped envelope wire form:

		varint(len(payload)) ‖ payload ‖ uint32-LE(session)

	The payload comes first so a receiver can read the payload's own version marker without knowing the wrapper.
	The payload itself is a VersionedPayload:

		uint16-LE(version) ‖ uint16-LE(len(data)) ‖ data
*/

const (
	sessionIdSize         = 4
	versionHeaderSize     = 4
	PayloadVersion uint16 = 1 // the only payload version this node speaks
	maxVersionedPayload   = math.MaxUint16
)

// Envelope is validator channel traffic tagged with the session it belongs to
type Envelope struct {
	Payload []byte
	Session lib.SessionId
}

// EncodeEnvelope() serializes the envelope payload first, then the session id
func EncodeEnvelope(e Envelope) []byte {
	bz := make([]byte, 0, protowire.SizeBytes(len(e.Payload))+sessionIdSize)
	bz = protowire.AppendBytes(bz, e.Payload)
	return binary.LittleEndian.AppendUint32(bz, uint32(e.Session))
}

// DecodeEnvelope() reverses EncodeEnvelope, rejecting short or trailing bytes
func DecodeEnvelope(bz []byte) (Envelope, lib.ErrorI) {
	payload, n := protowire.ConsumeBytes(bz)
	if n < 0 {
		return Envelope{}, ErrMalformedEnvelope(protowire.ParseError(n).Error())
	}
	rest := bz[n:]
	switch {
	case len(rest) < sessionIdSize:
		return Envelope{}, ErrMalformedEnvelope("short session id")
	case len(rest) > sessionIdSize:
		return Envelope{}, ErrMalformedEnvelope("trailing bytes")
	}
	return Envelope{
		Payload: append([]byte(nil), payload...),
		Session: lib.SessionId(binary.LittleEndian.Uint32(rest)),
	}, nil
}

// VersionedPayload is a length delimited payload with a version marker
type VersionedPayload struct {
	Version uint16
	Data    []byte
}

// Encode() serializes the versioned payload
func (v VersionedPayload) Encode() ([]byte, lib.ErrorI) {
	if len(v.Data) > maxVersionedPayload {
		return nil, ErrMaxMessageSize(len(v.Data), maxVersionedPayload)
	}
	bz := make([]byte, versionHeaderSize, versionHeaderSize+len(v.Data))
	binary.LittleEndian.PutUint16(bz[0:2], v.Version)
	binary.LittleEndian.PutUint16(bz[2:4], uint16(len(v.Data)))
	return append(bz, v.Data...), nil
}

// DecodeVersionedPayload() parses a versioned payload and rejects versions this node doesn't speak
func DecodeVersionedPayload(bz []byte) (VersionedPayload, lib.ErrorI) {
	if len(bz) < versionHeaderSize {
		return VersionedPayload{}, ErrMalformedEnvelope("short version header")
	}
	version, length := binary.LittleEndian.Uint16(bz[0:2]), int(binary.LittleEndian.Uint16(bz[2:4]))
	if len(bz)-versionHeaderSize != length {
		return VersionedPayload{}, ErrMalformedEnvelope("payload length mismatch")
	}
	if version != PayloadVersion {
		return VersionedPayload{}, ErrUnknownVersion(version)
	}
	return VersionedPayload{Version: version, Data: append([]byte(nil), bz[versionHeaderSize:]...)}, nil
}

// WrapSessionPayload() produces the wire bytes of validator channel data for a session
func WrapSessionPayload(session lib.SessionId, data []byte) ([]byte, lib.ErrorI) {
	payload, err := VersionedPayload{Version: PayloadVersion, Data: data}.Encode()
	if err != nil {
		return nil, err
	}
	return EncodeEnvelope(Envelope{Payload: payload, Session: session}), nil
}
