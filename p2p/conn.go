package p2p

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/alecthomas/units"
	"github.com/canopy-network/finality/lib"
	"github.com/canopy-network/finality/lib/crypto"
	"github.com/canopy-network/finality/ratelimit"
	limiter "github.com/mxk/go-flowrate/flowrate"
)

const (
	pingInterval        = 30 * time.Second
	pongTimeoutDuration = 20 * time.Second
	syncSendRatePerS    = 2 * units.MiB
	recRatePerS         = 8 * units.MiB
	flowSampleRate      = 100 * time.Millisecond
	flowWindowSize      = time.Second

	maxMessageExceededSlash = -10
	unknownMessageSlash     = -3
	badStreamSlash          = -3
	badPacketSlash          = -1
	noPongSlash             = -1
)

/*
	A multiplexed connection carrying the validator and sync channels plus ping/pong control frames.
	Each connection owns one send goroutine and one receive goroutine:
	- the send goroutine drains the bounded queue; validator frames first pass the shared token bucket so a slow
	  peer suspends only its own sender; sync frames are paced by a flowrate monitor; due ping and pong frames
	  are written between queued messages
	- the receive goroutine is throttled by a flowrate monitor and hands frames up in arrival order
*/

type MultiConn struct {
	conn           net.Conn
	peerPublicKey  crypto.PublicKeyI
	queue          *sendQueue
	rateLimiter    *ratelimit.SleepingRateLimiter
	maxMessageSize int
	onFrame        func(publicKey []byte, f *Frame)       // called in arrival order from the receive goroutine
	onError        func(publicKey []byte, delta int32)    // called at most once when the connection fails
	sendPong       chan struct{}
	receivedPong   chan struct{}
	quit           chan struct{}
	ctx            context.Context
	cancel         context.CancelFunc
	stop, error    sync.Once
	metrics        *lib.Metrics
	log            lib.LoggerI
}

// NewConnection() wraps an authenticated connection
func NewConnection(conn net.Conn, peerPublicKey crypto.PublicKeyI, c lib.P2PConfig, rateLimiter *ratelimit.SleepingRateLimiter,
	onFrame func([]byte, *Frame), onError func([]byte, int32), metrics *lib.Metrics, log lib.LoggerI) *MultiConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &MultiConn{
		conn:           conn,
		peerPublicKey:  peerPublicKey,
		queue:          newSendQueue(c.MaxPeerQueueSize),
		rateLimiter:    rateLimiter,
		maxMessageSize: c.MaxMessageSize,
		onFrame:        onFrame,
		onError:        onError,
		sendPong:       make(chan struct{}, 1),
		receivedPong:   make(chan struct{}, 1),
		quit:           make(chan struct{}),
		ctx:            ctx,
		cancel:         cancel,
		metrics:        metrics,
		log:            log,
	}
}

// Start() begins the send and receive loops
func (c *MultiConn) Start() {
	go c.startSendLoop()
	go c.startReceiveLoop()
}

// Stop() closes the connection, safe to call more than once
func (c *MultiConn) Stop() {
	c.stop.Do(func() {
		close(c.quit)
		c.cancel()
		_ = c.conn.Close()
	})
}

// Send() queues a payload for the peer, evicting an older message if the queue is full
func (c *MultiConn) Send(topic Topic, payload []byte, critical bool) lib.ErrorI {
	if len(payload) > c.maxMessageSize {
		return ErrMaxMessageSize(len(payload), c.maxMessageSize)
	}
	select {
	case <-c.quit:
		return ErrPeerNotFound(lib.BytesToTruncatedString(c.peerPublicKey.Bytes()))
	default:
	}
	if dropped := c.queue.push(&outbound{topic: topic, payload: payload, critical: critical}); dropped != nil {
		c.metrics.MessageDropped(dropped.topic.String())
		c.log.Debugf("Dropped %s message to %s, queue is full", dropped.topic, lib.BytesToTruncatedString(c.peerPublicKey.Bytes()))
	}
	return nil
}

// PublicKey() returns the authenticated key of the peer
func (c *MultiConn) PublicKey() crypto.PublicKeyI { return c.peerPublicKey }

// sender is the state owned by the send goroutine
type sender struct {
	*MultiConn
	monitor   *limiter.Monitor
	ping      *time.Ticker
	pongTimer *time.Timer
}

func (c *MultiConn) startSendLoop() {
	defer c.catchPanic()
	s := &sender{MultiConn: c, monitor: limiter.New(flowSampleRate, flowWindowSize), ping: time.NewTicker(pingInterval), pongTimer: lib.NewTimer()}
	defer func() { lib.StopTimer(s.pongTimer); s.ping.Stop(); s.monitor.Done() }()
	for {
		var err lib.ErrorI
		select {
		case <-c.queue.ready:
			err = s.drain()
		case <-s.ping.C:
			err = s.sendPing()
		case <-c.sendPong:
			err = s.write(&Frame{Topic: topicPong})
		case <-c.receivedPong:
			lib.StopTimer(s.pongTimer)
		case <-s.pongTimer.C:
			err = s.pongTimeout()
		case <-c.quit:
			return
		}
		if err != nil {
			s.fail(err)
			return
		}
	}
}

// drain() writes every queued message, handling due ping and pong events in between
func (s *sender) drain() lib.ErrorI {
	for {
		if err := s.control(); err != nil {
			return err
		}
		msg, ok := s.queue.pop()
		if !ok {
			return nil
		}
		f := &Frame{Topic: msg.topic, Payload: msg.payload}
		if msg.topic == TopicValidator && s.rateLimiter != nil {
			if err := s.rateLimiter.RateLimit(s.ctx, len(msg.payload)); err != nil {
				// only a stopped connection cancels the wait
				return nil
			}
		} else {
			s.monitor.Limit(len(msg.payload)+frameLengthSize, int64(syncSendRatePerS), true)
		}
		if err := s.write(f); err != nil {
			return err
		}
	}
}

// control() handles the ping/pong events that are already due without waiting
func (s *sender) control() lib.ErrorI {
	select {
	case <-s.ping.C:
		return s.sendPing()
	case <-s.sendPong:
		return s.write(&Frame{Topic: topicPong})
	case <-s.receivedPong:
		lib.StopTimer(s.pongTimer)
	case <-s.pongTimer.C:
		return s.pongTimeout()
	default:
	}
	return nil
}

func (s *sender) sendPing() lib.ErrorI {
	if err := s.write(&Frame{Topic: topicPing}); err != nil {
		return err
	}
	lib.ResetTimer(s.pongTimer, pongTimeoutDuration)
	return nil
}

// pongTimeout() fails unless the pong arrived together with the timeout
func (s *sender) pongTimeout() lib.ErrorI {
	select {
	case <-s.receivedPong:
		return nil
	default:
		return ErrPongTimeout()
	}
}

func (s *sender) fail(err lib.ErrorI) {
	if err.Code() == lib.CodePongTimeout {
		s.log.Warn(err.Error())
		s.Error(noPongSlash)
		return
	}
	s.log.Debug(PeerError(s.peerPublicKey.Bytes(), s.conn.RemoteAddr().String(), err))
	s.Error(0)
}

func (s *sender) write(f *Frame) lib.ErrorI {
	n, err := writeFrame(s.conn, f)
	s.monitor.Update(n)
	return err
}

func (c *MultiConn) startReceiveLoop() {
	defer c.catchPanic()
	m := limiter.New(flowSampleRate, flowWindowSize)
	defer m.Done()
	publicKey := c.peerPublicKey.Bytes()
	for {
		select {
		case <-c.quit:
			return
		default:
		}
		m.Limit(frameLengthSize, int64(recRatePerS), true)
		f, n, err := readFrame(c.conn, c.maxMessageSize)
		m.Update(n)
		if err != nil {
			switch err.Code() {
			case lib.CodeMaxMessageSize:
				c.Error(maxMessageExceededSlash)
			case lib.CodeUnknownP2PMessage:
				c.Error(unknownMessageSlash)
			case lib.CodeFailedRead:
				c.log.Debug(PeerError(publicKey, c.conn.RemoteAddr().String(), err))
				c.Error(0)
			default:
				c.Error(badPacketSlash)
			}
			return
		}
		switch f.Topic {
		case TopicValidator, TopicSync:
			c.onFrame(publicKey, f)
		case topicPing:
			select {
			case c.sendPong <- struct{}{}:
			default:
			}
		case topicPong:
			select {
			case c.receivedPong <- struct{}{}:
			default:
			}
		default:
			c.Error(badStreamSlash)
			return
		}
	}
}

// Error() reports the failure of the connection once, with an optional reputation penalty
func (c *MultiConn) Error(reputationDelta int32) {
	c.error.Do(func() { c.onError(c.peerPublicKey.Bytes(), reputationDelta) })
}

func (c *MultiConn) catchPanic() {
	if r := recover(); r != nil {
		c.log.Errorf("recovered from panic on connection with %s: %v", lib.BytesToTruncatedString(c.peerPublicKey.Bytes()), r)
		c.Error(0)
	}
}
