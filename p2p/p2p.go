package p2p

import (
	"bytes"
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/canopy-network/finality/lib"
	"github.com/canopy-network/finality/lib/crypto"
	"github.com/canopy-network/finality/ratelimit"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/net/netutil"
)

/*
	P2P is the authenticated TCP transport of the node:
	- inbound connections are limited with netutil and authenticated with the handshake before joining the peer set
	- outbound dials retry with exponential backoff, a failure is isolated to the peer being dialed
	- every connection multiplexes the validator and sync channels, frames are handed to the topic handlers
*/

const transport = "tcp"

// FrameHandler consumes the frames of one topic, called from the receive goroutine of the sending peer
type FrameHandler func(sender []byte, payload []byte)

type P2P struct {
	privateKey  crypto.PrivateKeyI
	publicKey   []byte
	listener    net.Listener
	config      lib.P2PConfig
	PeerSet                                // active set
	rateLimiter *ratelimit.SleepingRateLimiter
	handlers    map[Topic]FrameHandler
	dialing     map[string]struct{} // public keys with a dial loop in flight
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
	metrics     *lib.Metrics
	log         lib.LoggerI
}

// New() creates the transport, `rateLimiter` paces validator traffic of every peer
func New(privateKey crypto.PrivateKeyI, c lib.P2PConfig, rateLimiter *ratelimit.SleepingRateLimiter, metrics *lib.Metrics, log lib.LoggerI) *P2P {
	ctx, cancel := context.WithCancel(context.Background())
	return &P2P{
		privateKey:  privateKey,
		publicKey:   privateKey.PublicKey().Bytes(),
		config:      c,
		PeerSet:     NewPeerSet(c, metrics),
		rateLimiter: rateLimiter,
		handlers:    make(map[Topic]FrameHandler),
		dialing:     make(map[string]struct{}),
		ctx:         ctx,
		cancel:      cancel,
		metrics:     metrics,
		log:         lib.WithPrefix(log, "p2p"),
	}
}

// Start() listens for inbound connections and dials the configured peers
func (p *P2P) Start() lib.ErrorI {
	if err := p.Listen(p.config.ListenAddress); err != nil {
		return err
	}
	for _, peer := range p.config.DialPeers {
		publicKey, netAddress, err := ParseDialPeer(peer)
		if err != nil {
			p.log.Errorf("Invalid dial peer %s: %s", peer, err.Error())
			continue
		}
		go p.DialWithBackoff(netAddress, publicKey)
	}
	return nil
}

// Listen() binds the listener and accepts connections in the background
func (p *P2P) Listen(listenAddress string) lib.ErrorI {
	ln, er := net.Listen(transport, listenAddress)
	if er != nil {
		return ErrFailedListen(er)
	}
	limited := netutil.LimitListener(ln, p.config.MaxInbound+len(p.config.DialPeers))
	p.mu.Lock()
	p.listener = limited
	p.mu.Unlock()
	p.log.Infof("Listening on %s", ln.Addr().String())
	go func() {
		for {
			c, err := limited.Accept()
			if err != nil {
				select {
				case <-p.ctx.Done():
				default:
					p.log.Error(ErrFailedListen(err).Error())
				}
				return
			}
			go func(c net.Conn) {
				defer lib.CatchPanic(p.log)
				if e := p.AddPeer(c, &PeerInfo{NetAddress: c.RemoteAddr().String()}); e != nil {
					p.log.Debugf("Rejected inbound %s: %s", c.RemoteAddr().String(), e.Error())
					_ = c.Close()
				}
			}(c)
		}
	}()
	return nil
}

// ListenAddress() returns the bound address of the listener
func (p *P2P) ListenAddress() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// Addresses() returns the addresses advertised in this node's addressing information
func (p *P2P) Addresses() []string {
	if p.config.ExternalAddress != "" {
		return []string{p.config.ExternalAddress}
	}
	if addr := p.ListenAddress(); addr != "" {
		return []string{addr}
	}
	return nil
}

// Dial() connects to a peer, `publicKey` is the expected identity of the remote or nil to accept any
func (p *P2P) Dial(netAddress string, publicKey []byte) lib.ErrorI {
	if p.IsSelf(publicKey) || (publicKey != nil && p.PeerSet.Has(publicKey)) {
		return nil
	}
	conn, er := net.DialTimeout(transport, netAddress, p.dialTimeout())
	if er != nil {
		return ErrFailedDial(er)
	}
	if err := p.AddPeer(conn, &PeerInfo{PublicKey: publicKey, NetAddress: netAddress, IsOutbound: true}); err != nil {
		_ = conn.Close()
		return err
	}
	return nil
}

// DialWithBackoff() dials until success, a permanent rejection or the transport stopping
func (p *P2P) DialWithBackoff(netAddress string, publicKey []byte) {
	if publicKey != nil {
		key := lib.BytesToString(publicKey)
		p.mu.Lock()
		if _, inFlight := p.dialing[key]; inFlight {
			p.mu.Unlock()
			return
		}
		p.dialing[key] = struct{}{}
		p.mu.Unlock()
		defer func() {
			p.mu.Lock()
			delete(p.dialing, key)
			p.mu.Unlock()
		}()
	}
	policy := backoff.WithContext(backoff.NewExponentialBackOff(), p.ctx)
	err := backoff.Retry(func() error {
		err := p.Dial(netAddress, publicKey)
		if err == nil {
			return nil
		}
		switch err.Code() {
		case lib.CodeFailedDial, lib.CodeFailedRead, lib.CodeFailedWrite, lib.CodeHelloSwap, lib.CodeSignatureSwap, lib.CodeMaxOutbound:
			p.log.Debugf("Dial %s failed, retrying: %s", netAddress, err.Error())
			return err
		case lib.CodePeerAlreadyExists:
			return nil
		}
		return backoff.Permanent(err)
	}, policy)
	if err != nil {
		p.log.Warnf("Giving up on dialing %s: %s", netAddress, err.Error())
	}
}

// AddPeer() authenticates the connection and adds the peer to the set
func (p *P2P) AddPeer(conn net.Conn, info *PeerInfo) lib.ErrorI {
	peerPublicKey, err := Handshake(conn, p.privateKey, p.config.NetworkID, p.dialTimeout())
	if err != nil {
		return err
	}
	peerKey := peerPublicKey.Bytes()
	if info.PublicKey != nil && !bytes.Equal(info.PublicKey, peerKey) {
		return ErrMismatchPeerPublicKey(info.PublicKey, peerKey)
	}
	if p.IsSelf(peerKey) {
		return ErrMismatchPeerPublicKey(nil, peerKey)
	}
	for _, banned := range p.config.BannedPeerIDs {
		if strings.EqualFold(lib.BytesToString(peerKey), banned) || strings.EqualFold(PeerId(peerKey).String(), banned) {
			return ErrBannedID(banned)
		}
	}
	info.PublicKey, info.PeerId = peerKey, PeerId(peerKey)
	info.IsDialPeer = p.isDialPeer(peerKey)
	var connection *MultiConn
	connection = NewConnection(conn, peerPublicKey, p.config, p.rateLimiter, p.onFrame,
		func(publicKey []byte, delta int32) { p.onPeerError(connection, delta) }, p.metrics, p.log)
	peer := &Peer{conn: connection, PeerInfo: info}
	if err = p.PeerSet.Add(peer); err != nil {
		if err.Code() != lib.CodePeerAlreadyExists || !p.preferConnection(info) {
			return err
		}
		// both ends dialed each other, keep the connection opened by the lower key on both sides
		p.PeerSet.RemoveConn(peerKey, nil)
		if err = p.PeerSet.Add(peer); err != nil {
			return err
		}
	}
	connection.Start()
	p.log.Debugf("Connected to %s@%s", lib.BytesToTruncatedString(peerKey), info.NetAddress)
	return nil
}

// Disconnect() stops the connection to a peer
func (p *P2P) Disconnect(publicKey []byte) {
	if _, err := p.PeerSet.Remove(publicKey); err == nil {
		p.log.Debugf("Disconnected from %s", lib.BytesToTruncatedString(publicKey))
	}
}

// Handle() registers the handler of a topic
func (p *P2P) Handle(topic Topic, handler FrameHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[topic] = handler
}

// Stop() closes the listener and every connection
func (p *P2P) Stop() {
	p.cancel()
	p.mu.RLock()
	if p.listener != nil {
		_ = p.listener.Close()
	}
	p.mu.RUnlock()
	p.PeerSet.Stop()
}

// ID() returns the public key of this node
func (p *P2P) ID() []byte { return p.publicKey }

// IsSelf() returns whether the public key is this node's
func (p *P2P) IsSelf(publicKey []byte) bool { return bytes.Equal(p.publicKey, publicKey) }

func (p *P2P) onFrame(sender []byte, f *Frame) {
	p.mu.RLock()
	handler, ok := p.handlers[f.Topic]
	p.mu.RUnlock()
	if !ok {
		p.metrics.FrameDropped()
		return
	}
	handler(sender, f.Payload)
}

func (p *P2P) onPeerError(conn *MultiConn, delta int32) {
	publicKey := conn.PublicKey().Bytes()
	if delta != 0 {
		p.PeerSet.ChangeReputation(publicKey, delta)
	}
	p.PeerSet.RemoveConn(publicKey, conn)
	conn.Stop()
}

// preferConnection() decides a duplicate connection tie: the connection dialed by the lower public key wins
func (p *P2P) preferConnection(info *PeerInfo) bool {
	existing, err := p.PeerSet.GetPeerInfo(info.PublicKey)
	if err != nil || existing.IsOutbound == info.IsOutbound {
		return false
	}
	selfIsLower := bytes.Compare(p.publicKey, info.PublicKey) < 0
	return info.IsOutbound == selfIsLower
}

func (p *P2P) isDialPeer(publicKey []byte) bool {
	for _, peer := range p.config.DialPeers {
		if key, _, err := ParseDialPeer(peer); err == nil && bytes.Equal(key, publicKey) {
			return true
		}
	}
	return false
}

func (p *P2P) dialTimeout() time.Duration {
	return time.Duration(p.config.DialTimeoutMS) * time.Millisecond
}

// ParseDialPeer() parses the `pubkey@host:port` format of configured peers
func ParseDialPeer(s string) (publicKey []byte, netAddress string, err lib.ErrorI) {
	key, address, found := strings.Cut(s, "@")
	if !found || address == "" {
		return nil, "", ErrInvalidNetAddress(s)
	}
	if _, _, er := net.SplitHostPort(address); er != nil {
		return nil, "", ErrInvalidNetAddress(s)
	}
	publicKey, err = lib.StringToBytes(key)
	if err != nil {
		return nil, "", err
	}
	return publicKey, address, nil
}
