package p2p

import (
	"github.com/canopy-network/finality/lib"
)

// Network is the view of a session's validator channel its consumers get
type Network interface {
	Send(data []byte, recipient lib.NodeIndex) lib.ErrorI
	Broadcast(data []byte) lib.ErrorI
	Receive() <-chan SessionMessage
}

var (
	_ Network = &SessionNetwork{}
	_ Network = &SubNetwork{}
)

// SubNetwork is one tagged stream of a session network, several consumers of a session share its channel this way
type SubNetwork struct {
	parent *SessionNetwork
	tag    byte
	inbox  chan SessionMessage
}

// Send() prefixes the data with the stream tag
func (s *SubNetwork) Send(data []byte, recipient lib.NodeIndex) lib.ErrorI {
	return s.parent.Send(append([]byte{s.tag}, data...), recipient)
}

// Broadcast() prefixes the data with the stream tag
func (s *SubNetwork) Broadcast(data []byte) lib.ErrorI {
	return s.parent.Broadcast(append([]byte{s.tag}, data...))
}

// Receive() returns the data of this stream only, without the tag
func (s *SubNetwork) Receive() <-chan SessionMessage { return s.inbox }

// Split() divides the session network into one stream per tag, routing until the session stops
// data with an unknown tag is dropped, a full stream drops its newest data instead of stalling the others
func Split(n *SessionNetwork, tags ...byte) []*SubNetwork {
	subs, byTag := make([]*SubNetwork, len(tags)), make(map[byte]*SubNetwork, len(tags))
	for i, tag := range tags {
		subs[i] = &SubNetwork{parent: n, tag: tag, inbox: make(chan SessionMessage, sessionInboxSize)}
		byTag[tag] = subs[i]
	}
	go func() {
		for {
			select {
			case <-n.Done():
				return
			case msg := <-n.Receive():
				if len(msg.Data) == 0 {
					continue
				}
				sub, ok := byTag[msg.Data[0]]
				if !ok {
					n.manager.metrics.FrameDropped()
					continue
				}
				select {
				case sub.inbox <- SessionMessage{From: msg.From, Data: msg.Data[1:]}:
				default:
					n.manager.metrics.FrameDropped()
				}
			}
		}
	}()
	return subs
}
