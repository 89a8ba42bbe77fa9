package p2p

import (
	"encoding/binary"
	"io"

	"github.com/canopy-network/finality/lib"
	pool "github.com/libp2p/go-buffer-pool"
	"google.golang.org/protobuf/encoding/protowire"
)

// Topic identifies the logical channel a frame belongs to
type Topic uint8

const (
	TopicHandshake Topic = iota // hello and signature swap, only before the connection starts
	TopicValidator              // session scoped agreement engine traffic
	TopicSync                   // discovery records and justifications
	topicPing
	topicPong
	topicInvalid
)

func (t Topic) String() string {
	switch t {
	case TopicHandshake:
		return "handshake"
	case TopicValidator:
		return "validator"
	case TopicSync:
		return "sync"
	case topicPing:
		return "ping"
	case topicPong:
		return "pong"
	}
	return "invalid"
}

const frameLengthSize = 4

// Frame is the unit written on the wire: uint32-BE(len(body)) ‖ body, body = protowire{topic, payload}
type Frame struct {
	Topic   Topic
	Payload []byte
}

func (f *Frame) encode() []byte {
	body := lib.AppendUint64Field(nil, 1, uint64(f.Topic))
	body = lib.AppendBytesField(body, 2, f.Payload)
	bz := make([]byte, frameLengthSize, frameLengthSize+len(body))
	binary.BigEndian.PutUint32(bz, uint32(len(body)))
	return append(bz, body...)
}

func (f *Frame) decode(body []byte) lib.ErrorI {
	*f = Frame{}
	return lib.ForEachField(body, func(num protowire.Number, typ protowire.Type, value []byte) (err lib.ErrorI) {
		switch num {
		case 1:
			var t uint64
			t, err = lib.FieldUint64(typ, value)
			f.Topic = Topic(t)
		case 2:
			f.Payload, err = lib.FieldBytes(typ, value)
		}
		return
	})
}

// writeFrame() writes a single frame returning the number of bytes written
func writeFrame(w io.Writer, f *Frame) (int, lib.ErrorI) {
	n, err := w.Write(f.encode())
	if err != nil {
		return n, ErrFailedWrite(err)
	}
	return n, nil
}

// readFrame() reads a single frame, rejecting bodies larger than maxSize
func readFrame(r io.Reader, maxSize int) (*Frame, int, lib.ErrorI) {
	header := pool.Get(frameLengthSize)
	defer pool.Put(header)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, 0, ErrFailedRead(err)
	}
	size := int(binary.BigEndian.Uint32(header))
	if size > maxSize {
		return nil, frameLengthSize, ErrMaxMessageSize(size, maxSize)
	}
	body := pool.Get(size)
	defer pool.Put(body)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, frameLengthSize, ErrFailedRead(err)
	}
	f := new(Frame)
	if err := f.decode(body); err != nil {
		return nil, frameLengthSize + size, err
	}
	if f.Topic >= topicInvalid {
		return nil, frameLengthSize + size, ErrUnknownP2PMsg(f.Topic)
	}
	return f, frameLengthSize + size, nil
}
