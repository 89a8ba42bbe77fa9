package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/canopy-network/finality/abft"
	"github.com/canopy-network/finality/finality"
	"github.com/canopy-network/finality/lib"
	"github.com/canopy-network/finality/lib/crypto"
	"github.com/canopy-network/finality/p2p"
)

// stopped sessions kept as entries behind the newest session, older ones are only known through the pruned floor
const stoppedRetention = 2

// streams of a session network
const (
	engineStream     byte = 1
	aggregatorStream byte = 2
)

/*
	Manager orchestrates the sessions of this node. Every session moves through its own state machine:

	NotStarted -> EarlyStart -> Validating | NonValidating -> Stopped

	Sessions are independent entries keyed by id, so the next session can be spawned while the task of the
	previous one is still draining. Stopping a session that never started or already stopped is a no-op,
	a session stopped that way is remembered as stopped and can't be started later.
	Entries are only created by a successful transition, and stopped entries far behind the newest session
	are dropped: every session below the pruned floor counts as stopped.
*/

type Manager struct {
	network     *p2p.SessionManager
	chain       lib.Chain
	chainInfo   lib.ChainInfoProvider
	engine      abft.Engine
	privateKey  crypto.PrivateKeyI
	publicKey   lib.AuthorityId
	boundaries  lib.SessionBoundaryInfo
	config      lib.FinalityConfig
	onJustified func(*lib.Justification)
	sessions    map[lib.SessionId]*sessionHandle
	pruned      lib.SessionId
	mu          sync.Mutex
	metrics     *lib.Metrics
	log         lib.LoggerI
}

type sessionHandle struct {
	state       State
	nodeIndex   lib.NodeIndex
	authorities []lib.AuthorityId
	task        *AuthorityTask
}

// ManagerConfig groups the collaborators of the manager
type ManagerConfig struct {
	Network     *p2p.SessionManager
	Chain       lib.Chain
	ChainInfo   lib.ChainInfoProvider // optional cached view of Chain
	Engine      abft.Engine
	PrivateKey  crypto.PrivateKeyI
	Session     lib.SessionConfig
	Finality    lib.FinalityConfig
	OnJustified func(*lib.Justification) // optional, receives every justification this node aggregates
	Metrics     *lib.Metrics
	Log         lib.LoggerI
}

// NewManager() creates the session orchestrator
func NewManager(c ManagerConfig) *Manager {
	chainInfo := c.ChainInfo
	if chainInfo == nil {
		chainInfo = c.Chain
	}
	return &Manager{
		network:     c.Network,
		chain:       c.Chain,
		chainInfo:   chainInfo,
		engine:      c.Engine,
		privateKey:  c.PrivateKey,
		publicKey:   c.PrivateKey.PublicKey().Bytes(),
		boundaries:  c.Session.Boundaries(),
		config:      c.Finality,
		onJustified: c.OnJustified,
		sessions:    make(map[lib.SessionId]*sessionHandle),
		metrics:     c.Metrics,
		log:         lib.WithPrefix(c.Log, "orchestrator"),
	}
}

// NodeIdx() returns the position of this node in the authority set
func (m *Manager) NodeIdx(authorities []lib.AuthorityId) (lib.NodeIndex, bool) {
	return lib.AuthorityIndex(authorities, m.publicKey)
}

// EarlyStartValidatorSession() brings up the network routing of a session before its engine starts
func (m *Manager) EarlyStartValidatorSession(session lib.SessionId, nodeId lib.NodeIndex, authorities []lib.AuthorityId) lib.ErrorI {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.handle(session)
	switch h.state {
	case NotStarted:
	case EarlyStart:
		if h.nodeIndex != nodeId || !lib.SameAuthorities(h.authorities, authorities) {
			return p2p.ErrAuthoritiesMismatch(session)
		}
		return nil
	default:
		return ErrLifecycle(session, h.state, "early start")
	}
	if err := m.checkAuthorities(session, nodeId, authorities); err != nil {
		return err
	}
	if err := m.network.EarlyStartValidatorSession(session, nodeId, authorities); err != nil {
		return err
	}
	h.state, h.nodeIndex, h.authorities = EarlyStart, nodeId, authorities
	m.sessions[session] = h
	return nil
}

// SpawnAuthorityTask() starts the engine, pipeline and aggregator of a session this node is an authority of
func (m *Manager) SpawnAuthorityTask(ctx context.Context, session lib.SessionId, nodeId lib.NodeIndex, backup lib.ABFTBackup, authorities []lib.AuthorityId) (*AuthorityTask, lib.ErrorI) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.handle(session)
	if h.state != NotStarted && h.state != EarlyStart {
		return nil, ErrLifecycle(session, h.state, "spawn the authority task of")
	}
	if err := m.checkAuthorities(session, nodeId, authorities); err != nil {
		return nil, err
	}
	network, err := m.network.StartValidatorSession(session, nodeId, authorities)
	if err != nil {
		return nil, err
	}
	streams := p2p.Split(network, engineStream, aggregatorStream)
	log := lib.WithPrefix(m.log, session.String())
	aggregator, err := finality.NewAggregator(streams[1], m.privateKey, nodeId, authorities, log)
	if err != nil {
		h.state, h.task = Stopped, nil
		m.sessions[session] = h
		m.network.StopSession(session)
		return nil, err
	}
	pipeline := finality.NewPipeline(finality.PipelineConfig{
		Session:      session,
		Boundaries:   m.boundaries,
		MaxBranchLen: m.config.MaxDataBranchLen,
		Chain:        m.chain,
		ChainInfo:    m.chainInfo,
		Justifier:    aggregator,
		OnJustified:  m.onJustified,
		Metrics:      m.metrics,
		Log:          log,
	})
	engineSession := &abft.Session{
		Id:                session,
		NodeIndex:         nodeId,
		Authorities:       authorities,
		Network:           streams[0],
		DataProvider:      finality.NewChainTracker(m.chainInfo, m.chain, session, m.boundaries, m.config.MaxDataBranchLen, log),
		Handler:           pipeline,
		Backup:            backup,
		UnitCreationDelay: time.Duration(m.config.UnitCreationDelayMS) * time.Millisecond,
		Log:               log,
	}
	task := startAuthorityTask(ctx, session, []subtask{
		{name: "engine", run: func(ctx context.Context) error { return m.engine.Run(ctx, engineSession) }},
		{name: "aggregator", run: aggregator.Run},
		{name: "pipeline", run: pipeline.Run, complete: true},
	}, m.onTaskExit)
	h.state, h.nodeIndex, h.authorities, h.task = Validating, nodeId, authorities, task
	m.sessions[session] = h
	m.log.Infof("Spawned the authority task of %s as node %d of %d", session, nodeId, len(authorities))
	return task, nil
}

// StartNonvalidatorSession() follows a session this node isn't an authority of
// repeating it updates the authority set
func (m *Manager) StartNonvalidatorSession(session lib.SessionId, authorities []lib.AuthorityId) lib.ErrorI {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(authorities) == 0 {
		return ErrEmptyAuthorities(session)
	}
	h := m.handle(session)
	switch h.state {
	case NotStarted, NonValidating:
	case EarlyStart:
		// release the validator routing set up ahead of time
		m.network.StopSession(session)
	default:
		return ErrLifecycle(session, h.state, "start nonvalidator")
	}
	if err := m.network.StartNonvalidatorSession(session, authorities); err != nil {
		return err
	}
	h.state, h.nodeIndex, h.authorities = NonValidating, -1, authorities
	m.sessions[session] = h
	return nil
}

// StopSession() stops the session's task and releases its network resources
func (m *Manager) StopSession(session lib.SessionId) lib.ErrorI {
	m.mu.Lock()
	h := m.handle(session)
	if h.state == Stopped || h.state == NotStarted {
		if h.state == NotStarted {
			h.state = Stopped
			m.sessions[session] = h
		}
		m.prune()
		m.mu.Unlock()
		m.log.Debugf("Ignoring stop of %s, it isn't running", session)
		return nil
	}
	h.state = Stopped
	task := h.task
	h.task = nil
	m.prune()
	m.mu.Unlock()
	if task != nil {
		task.Stop()
	}
	m.network.StopSession(session)
	m.log.Infof("Stopped %s", session)
	return nil
}

// Stop() stops every running session, used on shutdown
func (m *Manager) Stop() {
	m.mu.Lock()
	var running []lib.SessionId
	for id, h := range m.sessions {
		if h.state != Stopped {
			running = append(running, id)
		}
	}
	m.mu.Unlock()
	sort.Slice(running, func(i, j int) bool { return running[i] < running[j] })
	for _, id := range running {
		_ = m.StopSession(id)
	}
}

// State() returns the lifecycle state of the session
func (m *Manager) State(session lib.SessionId) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle(session).state
}

// Len() returns the number of sessions the manager holds an entry for
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// onTaskExit() stops the session of a failed task, other sessions are unaffected
func (m *Manager) onTaskExit(t *AuthorityTask) {
	if err := t.Err(); err != nil {
		m.log.Errorf("ALARM: %s", err.Error())
		_ = m.StopSession(t.Session())
		return
	}
	m.log.Debugf("Authority task of %s exited", t.Session())
}

func (m *Manager) checkAuthorities(session lib.SessionId, nodeId lib.NodeIndex, authorities []lib.AuthorityId) lib.ErrorI {
	if len(authorities) == 0 {
		return ErrEmptyAuthorities(session)
	}
	if nodeId < 0 || int(nodeId) >= len(authorities) {
		return lib.ErrInvalidNodeIndex(nodeId, len(authorities))
	}
	if !authorities[nodeId].Equals(m.publicKey) {
		return ErrNotInAuthoritySet(session, nodeId)
	}
	return nil
}

// handle() returns the entry of the session, a missing one is NotStarted or, below the pruned floor, Stopped
// the caller stores a new entry only once its transition succeeds
func (m *Manager) handle(session lib.SessionId) *sessionHandle {
	if h, ok := m.sessions[session]; ok {
		return h
	}
	if session < m.pruned {
		return &sessionHandle{state: Stopped, nodeIndex: -1}
	}
	return &sessionHandle{state: NotStarted, nodeIndex: -1}
}

// prune() drops the stopped entries more than stoppedRetention sessions behind the newest one
func (m *Manager) prune() {
	var newest lib.SessionId
	for id := range m.sessions {
		if id > newest {
			newest = id
		}
	}
	if newest < stoppedRetention {
		return
	}
	floor := newest - stoppedRetention
	for id, h := range m.sessions {
		if id < floor && h.state == Stopped {
			delete(m.sessions, id)
		}
	}
	if floor > m.pruned {
		m.pruned = floor
	}
}
