package p2p

import (
	"sync"
	"time"

	"github.com/canopy-network/finality/lib"
	"github.com/canopy-network/finality/lib/crypto"
	"google.golang.org/protobuf/encoding/protowire"
)

/*
	SessionManager scopes network traffic to sessions:
	- validator frames carry a session scoped envelope and are routed to the network of that session,
	  frames for unknown or stopped sessions are expected during handover and dropped without error
	- the sync channel carries discovery records and justifications
	- peers are reference counted by the sessions that need them and disconnected when none does
*/

const sessionInboxSize = 4096

// SyncKind identifies the content of a sync channel message
type SyncKind uint64

const (
	SyncDiscovery        SyncKind = iota + 1 // a signed addressing record of a session authority
	SyncDiscoveryRequest                     // asks peers for their records of a session
	SyncJustification                        // a finality justification
)

// SessionMessage is validator channel data received for a session
type SessionMessage struct {
	From lib.NodeIndex
	Data []byte
}

// SessionNetwork is the validator channel of a single session
type SessionNetwork struct {
	session     lib.SessionId
	nodeIndex   lib.NodeIndex
	authorities []lib.AuthorityId
	manager     *SessionManager
	inbox       chan SessionMessage
	done        chan struct{}
	closed      sync.Once
}

// Send() delivers data to the authority at `recipient`, sending to self is a no-op
func (n *SessionNetwork) Send(data []byte, recipient lib.NodeIndex) lib.ErrorI {
	if recipient < 0 || int(recipient) >= len(n.authorities) {
		return lib.ErrInvalidNodeIndex(recipient, len(n.authorities))
	}
	if recipient == n.nodeIndex {
		return nil
	}
	bz, err := WrapSessionPayload(n.session, data)
	if err != nil {
		return err
	}
	return n.manager.p2p.SendTo(n.authorities[recipient], TopicValidator, bz, false)
}

// Broadcast() delivers data to every other authority of the session that is connected
func (n *SessionNetwork) Broadcast(data []byte) lib.ErrorI {
	bz, err := WrapSessionPayload(n.session, data)
	if err != nil {
		return err
	}
	for i, authority := range n.authorities {
		if lib.NodeIndex(i) == n.nodeIndex {
			continue
		}
		if e := n.manager.p2p.SendTo(authority, TopicValidator, bz, false); e != nil {
			n.manager.log.Debugf("Broadcast to node %d of %s skipped: %s", i, n.session, e.Error())
		}
	}
	return nil
}

// Receive() returns the channel of inbound session data, ordered per sending peer
func (n *SessionNetwork) Receive() <-chan SessionMessage { return n.inbox }

// Done() is closed once the session stops
func (n *SessionNetwork) Done() <-chan struct{} { return n.done }

func (n *SessionNetwork) Session() lib.SessionId         { return n.session }
func (n *SessionNetwork) NodeIndex() lib.NodeIndex       { return n.nodeIndex }
func (n *SessionNetwork) Authorities() []lib.AuthorityId { return n.authorities }
func (n *SessionNetwork) stop()                          { n.closed.Do(func() { close(n.done) }) }

type sessionHandle struct {
	authorities []lib.AuthorityId
	nodeIndex   lib.NodeIndex          // -1 for nonvalidator sessions
	info        *AddressingInformation // own signed record, validator sessions only
	network     *SessionNetwork
}

func (h *sessionHandle) validator() bool { return h.network != nil }

// SessionManager is the session scoped layer on top of the transport
type SessionManager struct {
	p2p          *P2P
	cache        *AddressCache
	privateKey   crypto.PrivateKeyI
	sessions     map[lib.SessionId]*sessionHandle
	connections  map[string]map[lib.SessionId]struct{} // peer public key -> sessions needing it
	syncHandlers map[SyncKind]FrameHandler
	mu           sync.Mutex
	now          func() time.Time
	config       lib.P2PConfig
	quit         chan struct{}
	stop         sync.Once
	metrics      *lib.Metrics
	log          lib.LoggerI
}

// NewSessionManager() registers the session manager as the handler of the validator and sync topics
func NewSessionManager(p *P2P, cache *AddressCache, privateKey crypto.PrivateKeyI, c lib.P2PConfig, metrics *lib.Metrics, log lib.LoggerI) *SessionManager {
	m := &SessionManager{
		p2p:          p,
		cache:        cache,
		privateKey:   privateKey,
		sessions:     make(map[lib.SessionId]*sessionHandle),
		connections:  make(map[string]map[lib.SessionId]struct{}),
		syncHandlers: make(map[SyncKind]FrameHandler),
		now:          time.Now,
		config:       c,
		quit:         make(chan struct{}),
		metrics:      metrics,
		log:          lib.WithPrefix(log, "sessions"),
	}
	p.Handle(TopicValidator, m.handleValidatorFrame)
	p.Handle(TopicSync, m.handleSyncFrame)
	return m
}

// Start() periodically re-gossips own addressing records until Stop()
func (m *SessionManager) Start() {
	interval := time.Duration(m.config.DiscoveryIntervalMS) * time.Millisecond
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.discover()
			case <-m.quit:
				return
			}
		}
	}()
}

// Stop() ends the discovery loop
func (m *SessionManager) Stop() { m.stop.Do(func() { close(m.quit) }) }

// EarlyStartValidatorSession() registers the session and starts address exchange ahead of the engine
// calling it again for a session already started is a no-op
func (m *SessionManager) EarlyStartValidatorSession(session lib.SessionId, nodeIndex lib.NodeIndex, authorities []lib.AuthorityId) lib.ErrorI {
	m.mu.Lock()
	if h, ok := m.sessions[session]; ok {
		m.mu.Unlock()
		if !h.validator() || h.nodeIndex != nodeIndex || !lib.SameAuthorities(h.authorities, authorities) {
			return ErrAuthoritiesMismatch(session)
		}
		return nil
	}
	if nodeIndex < 0 || int(nodeIndex) >= len(authorities) {
		m.mu.Unlock()
		return lib.ErrInvalidNodeIndex(nodeIndex, len(authorities))
	}
	if !authorities[nodeIndex].Equals(m.p2p.ID()) {
		m.mu.Unlock()
		return ErrAuthoritiesMismatch(session)
	}
	h := &sessionHandle{
		authorities: authorities,
		nodeIndex:   nodeIndex,
		info:        NewAddressingInformation(m.privateKey, m.p2p.Addresses(), uint64(m.now().UnixMilli())),
		network: &SessionNetwork{
			session:     session,
			nodeIndex:   nodeIndex,
			authorities: authorities,
			manager:     m,
			inbox:       make(chan SessionMessage, sessionInboxSize),
			done:        make(chan struct{}),
		},
	}
	m.sessions[session] = h
	m.retain(session, authorities)
	m.updateMetrics()
	m.mu.Unlock()
	m.cache.AddSession(session, authorities)
	if _, err := m.cache.Update(session, nodeIndex, h.info); err != nil {
		m.log.Errorf("Own addressing record for %s rejected: %s", session, err.Error())
	}
	m.log.Infof("Early started validator %s as node %d", session, nodeIndex)
	m.announce(session, h.nodeIndex, h.info)
	m.dialAuthorities(session)
	return nil
}

// StartValidatorSession() returns the validator network of the session, early starting it if needed
func (m *SessionManager) StartValidatorSession(session lib.SessionId, nodeIndex lib.NodeIndex, authorities []lib.AuthorityId) (*SessionNetwork, lib.ErrorI) {
	if err := m.EarlyStartValidatorSession(session, nodeIndex, authorities); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.sessions[session]
	if !ok {
		return nil, ErrUnknownSession(session)
	}
	return h.network, nil
}

// StartNonvalidatorSession() registers the session for discovery without joining the validator channel
// calling it again updates the authority set
func (m *SessionManager) StartNonvalidatorSession(session lib.SessionId, authorities []lib.AuthorityId) lib.ErrorI {
	m.mu.Lock()
	if h, ok := m.sessions[session]; ok && h.validator() {
		m.mu.Unlock()
		return ErrAuthoritiesMismatch(session)
	}
	m.sessions[session] = &sessionHandle{authorities: authorities, nodeIndex: -1}
	m.updateMetrics()
	m.mu.Unlock()
	m.cache.AddSession(session, authorities)
	m.requestRecords(session)
	m.log.Infof("Started nonvalidator %s", session)
	return nil
}

// StopSession() releases the network resources of the session, unknown sessions are ignored
func (m *SessionManager) StopSession(session lib.SessionId) {
	m.mu.Lock()
	h, ok := m.sessions[session]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, session)
	release := m.release(session)
	m.updateMetrics()
	m.mu.Unlock()
	if h.network != nil {
		h.network.stop()
	}
	m.cache.RemoveSession(session)
	for _, publicKey := range release {
		m.p2p.Disconnect(publicKey)
	}
	m.log.Infof("Stopped %s", session)
}

// HandleSync() registers the handler of a sync message kind
func (m *SessionManager) HandleSync(kind SyncKind, handler FrameHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncHandlers[kind] = handler
}

// BroadcastSync() sends a sync message to every connected peer
func (m *SessionManager) BroadcastSync(kind SyncKind, body []byte, exclude ...[]byte) {
	m.p2p.SendToPeers(TopicSync, encodeSync(kind, body), true, exclude...)
}

// Cache() returns the address cache
func (m *SessionManager) Cache() *AddressCache { return m.cache }

// Transport() returns the underlying transport
func (m *SessionManager) Transport() *P2P { return m.p2p }

func (m *SessionManager) handleValidatorFrame(sender []byte, payload []byte) {
	env, err := DecodeEnvelope(payload)
	if err != nil {
		m.log.Warnf("ALARM: %s from %s", err.Error(), lib.BytesToTruncatedString(sender))
		m.p2p.ChangeReputation(sender, badPacketSlash)
		return
	}
	m.mu.Lock()
	h, ok := m.sessions[env.Session]
	m.mu.Unlock()
	if !ok || !h.validator() {
		m.metrics.FrameDropped()
		return
	}
	versioned, err := DecodeVersionedPayload(env.Payload)
	if err != nil {
		if err.Code() == lib.CodeUnknownVersion {
			m.log.Debugf("Dropped %s frame: %s", env.Session, err.Error())
		} else {
			m.p2p.ChangeReputation(sender, badPacketSlash)
		}
		m.metrics.FrameDropped()
		return
	}
	from, found := lib.AuthorityIndex(h.authorities, sender)
	if !found {
		m.metrics.FrameDropped()
		return
	}
	select {
	case <-h.network.done:
		m.metrics.FrameDropped()
	case h.network.inbox <- SessionMessage{From: from, Data: versioned.Data}:
	default:
		m.log.Warnf("Inbox of %s is full, dropping frame from node %d", env.Session, from)
		m.metrics.FrameDropped()
	}
}

func (m *SessionManager) handleSyncFrame(sender []byte, payload []byte) {
	kind, body, err := decodeSync(payload)
	if err != nil {
		m.p2p.ChangeReputation(sender, badPacketSlash)
		return
	}
	switch kind {
	case SyncDiscovery:
		m.handleDiscovery(sender, body)
	case SyncDiscoveryRequest:
		v, n := protowire.ConsumeVarint(body)
		if n < 0 {
			m.p2p.ChangeReputation(sender, badPacketSlash)
			return
		}
		m.mu.Lock()
		h, ok := m.sessions[lib.SessionId(v)]
		m.mu.Unlock()
		if ok && h.validator() {
			msg := &DiscoveryMessage{Session: lib.SessionId(v), NodeIndex: h.nodeIndex, Info: h.info}
			_ = m.p2p.SendTo(sender, TopicSync, encodeSync(SyncDiscovery, msg.Marshal()), true)
		}
	default:
		m.mu.Lock()
		handler, ok := m.syncHandlers[kind]
		m.mu.Unlock()
		if !ok {
			m.metrics.FrameDropped()
			return
		}
		handler(sender, body)
	}
}

func (m *SessionManager) handleDiscovery(sender []byte, body []byte) {
	msg := new(DiscoveryMessage)
	if err := msg.Unmarshal(body); err != nil {
		m.p2p.ChangeReputation(sender, badPacketSlash)
		return
	}
	newInfo, err := m.cache.Update(msg.Session, msg.NodeIndex, msg.Info)
	if err != nil {
		switch err.Code() {
		case lib.CodeInvalidSignature, lib.CodeInvalidAddressingInfo:
			m.log.Warnf("ALARM: discovery record from %s rejected: %s", lib.BytesToTruncatedString(sender), err.Error())
			m.p2p.ChangeReputation(sender, badPacketSlash)
		default:
			m.log.Debugf("Discovery record ignored: %s", err.Error())
		}
		return
	}
	if !newInfo {
		return
	}
	m.log.Debugf("New addressing record of node %d in %s: %s", msg.NodeIndex, msg.Session, msg.Info)
	m.BroadcastSync(SyncDiscovery, body, sender)
	m.dialAuthorities(msg.Session)
}

// announce() gossips an own addressing record and asks peers for theirs
func (m *SessionManager) announce(session lib.SessionId, idx lib.NodeIndex, info *AddressingInformation) {
	m.BroadcastSync(SyncDiscovery, (&DiscoveryMessage{Session: session, NodeIndex: idx, Info: info}).Marshal())
	m.requestRecords(session)
}

func (m *SessionManager) requestRecords(session lib.SessionId) {
	m.BroadcastSync(SyncDiscoveryRequest, protowire.AppendVarint(nil, uint64(session)))
}

// discover() re-gossips own records and dials the authorities not yet connected
func (m *SessionManager) discover() {
	m.mu.Lock()
	var validators []lib.SessionId
	var announcements []*DiscoveryMessage
	for session, h := range m.sessions {
		if h.validator() {
			validators = append(validators, session)
			announcements = append(announcements, &DiscoveryMessage{Session: session, NodeIndex: h.nodeIndex, Info: h.info})
		}
	}
	m.mu.Unlock()
	for _, a := range announcements {
		m.BroadcastSync(SyncDiscovery, a.Marshal())
	}
	for _, session := range validators {
		m.dialAuthorities(session)
	}
}

// dialAuthorities() dials every authority of a validator session with a known address that isn't connected
func (m *SessionManager) dialAuthorities(session lib.SessionId) {
	m.mu.Lock()
	h, ok := m.sessions[session]
	m.mu.Unlock()
	if !ok || !h.validator() {
		return
	}
	for idx, info := range m.cache.Session(session) {
		authority := h.authorities[idx]
		if idx == h.nodeIndex || m.p2p.IsSelf(authority) || m.p2p.Has(authority) || len(info.Addresses) == 0 {
			continue
		}
		go m.p2p.DialWithBackoff(info.Addresses[0], authority)
	}
}

// retain() records that `session` needs a connection to each of its authorities, must hold the lock
func (m *SessionManager) retain(session lib.SessionId, authorities []lib.AuthorityId) {
	for _, a := range authorities {
		if m.p2p.IsSelf(a) {
			continue
		}
		k := lib.BytesToString(a)
		if m.connections[k] == nil {
			m.connections[k] = make(map[lib.SessionId]struct{})
		}
		m.connections[k][session] = struct{}{}
	}
}

// release() drops the session's claims, returning the peers no session needs anymore, must hold the lock
func (m *SessionManager) release(session lib.SessionId) (unused [][]byte) {
	for k, sessions := range m.connections {
		if _, ok := sessions[session]; !ok {
			continue
		}
		delete(sessions, session)
		if len(sessions) != 0 {
			continue
		}
		delete(m.connections, k)
		publicKey, err := lib.StringToBytes(k)
		if err != nil || m.p2p.isDialPeer(publicKey) {
			continue
		}
		unused = append(unused, publicKey)
	}
	return
}

func (m *SessionManager) updateMetrics() {
	var current lib.SessionId
	for s := range m.sessions {
		if s > current {
			current = s
		}
	}
	m.metrics.UpdateSessionMetrics(len(m.sessions), current)
}

func encodeSync(kind SyncKind, body []byte) []byte {
	bz := lib.AppendUint64Field(nil, 1, uint64(kind))
	return lib.AppendBytesField(bz, 2, body)
}

func decodeSync(bz []byte) (kind SyncKind, body []byte, err lib.ErrorI) {
	err = lib.ForEachField(bz, func(num protowire.Number, typ protowire.Type, value []byte) (e lib.ErrorI) {
		switch num {
		case 1:
			var k uint64
			k, e = lib.FieldUint64(typ, value)
			kind = SyncKind(k)
		case 2:
			body, e = lib.FieldBytes(typ, value)
		}
		return
	})
	if err == nil && kind == 0 {
		err = ErrUnknownP2PMsg(TopicSync)
	}
	return
}
