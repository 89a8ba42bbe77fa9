package p2p

import (
	"net"
	"testing"
	"time"

	"github.com/canopy-network/finality/lib"
	"github.com/stretchr/testify/require"
)

func TestConnAnswersPingWhileDraining(t *testing.T) {
	keys, _ := newTestKeys(t, 1)
	c1, c2 := net.Pipe()
	defer func() { _ = c2.Close() }()
	config := newTestP2PConfig()
	config.MaxPeerQueueSize = 64
	conn := NewConnection(c1, keys[0].PublicKey(), config, nil, func([]byte, *Frame) {}, func([]byte, int32) {}, nil, lib.NewNullLogger())
	defer conn.Stop()
	const queued = 50
	for i := 0; i < queued; i++ {
		require.NoError(t, conn.Send(TopicSync, []byte{byte(i)}, false))
	}
	conn.Start()
	require.NoError(t, c2.SetDeadline(time.Now().Add(testTimeout)))
	f, _, err := readFrame(c2, config.MaxMessageSize)
	require.NoError(t, err)
	require.Equal(t, TopicSync, f.Topic)
	// the peer pings while most of the backlog is still queued
	_, err = writeFrame(c2, &Frame{Topic: topicPing})
	require.NoError(t, err)
	for read := 1; ; read++ {
		f, _, err = readFrame(c2, config.MaxMessageSize)
		require.NoError(t, err)
		if f.Topic == topicPong {
			require.Less(t, read, queued, "the pong is written before the backlog is drained")
			return
		}
		require.Equal(t, TopicSync, f.Topic)
	}
}

func TestConnPongBeforeTimeout(t *testing.T) {
	keys, _ := newTestKeys(t, 1)
	c1, c2 := net.Pipe()
	defer func() { _ = c1.Close(); _ = c2.Close() }()
	conn := NewConnection(c1, keys[0].PublicKey(), newTestP2PConfig(), nil, nil, nil, nil, lib.NewNullLogger())
	s := &sender{MultiConn: conn, pongTimer: lib.NewTimer()}
	tests := []struct {
		name     string
		detail   string
		received bool
		fails    bool
	}{
		{name: "pong pending", detail: "a pong that arrived with the timeout clears it", received: true},
		{name: "no pong", detail: "the peer never answered", fails: true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if test.received {
				conn.receivedPong <- struct{}{}
			}
			err := s.pongTimeout()
			if test.fails {
				require.True(t, lib.IsError(err, lib.CodePongTimeout, lib.P2PModule), test.detail)
				return
			}
			require.NoError(t, err, test.detail)
		})
	}
}
