package p2p

import (
	"sync"

	"github.com/canopy-network/finality/lib"
)

// stopped sessions whose records outlive them without eviction on rotation, counted back from the newest session
const retainedSessions = 2

// AddressCache maps (session, node index) to the freshest authenticated addressing record of that authority
// Records are only accepted for registered sessions, so an authority's entry appears once its session is known
type AddressCache struct {
	mu              sync.RWMutex
	sessions        map[lib.SessionId][]lib.AuthorityId
	entries         map[cacheKey]*AddressingInformation
	evictOnRotation bool
	metrics         *lib.Metrics
}

type cacheKey struct {
	session lib.SessionId
	index   lib.NodeIndex
}

// NewAddressCache() creates an empty cache
func NewAddressCache(evictOnRotation bool, metrics *lib.Metrics) *AddressCache {
	return &AddressCache{
		sessions:        make(map[lib.SessionId][]lib.AuthorityId),
		entries:         make(map[cacheKey]*AddressingInformation),
		evictOnRotation: evictOnRotation,
		metrics:         metrics,
	}
}

// AddSession() registers the authority set records of `session` are checked against
func (c *AddressCache) AddSession(session lib.SessionId, authorities []lib.AuthorityId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[session] = authorities
	if session < retainedSessions {
		return
	}
	// without eviction on rotation the records of removed sessions are kept for a few sessions only
	before := len(c.entries)
	for k := range c.entries {
		if _, registered := c.sessions[k.session]; !registered && k.session < session-retainedSessions {
			delete(c.entries, k)
		}
	}
	if len(c.entries) != before {
		c.metrics.UpdateAddressCache(len(c.entries))
	}
}

// RemoveSession() unregisters the session and, when eviction on rotation is enabled, drops its entries
func (c *AddressCache) RemoveSession(session lib.SessionId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	authorities, ok := c.sessions[session]
	if !ok {
		return
	}
	delete(c.sessions, session)
	if c.evictOnRotation {
		for i := range authorities {
			delete(c.entries, cacheKey{session, lib.NodeIndex(i)})
		}
	}
	c.metrics.UpdateAddressCache(len(c.entries))
}

// Update() stores the record if it is authentic and at least as fresh as the stored one
// `newInfo` reports whether the record is first seen or strictly fresher, the signal to re-gossip it
func (c *AddressCache) Update(session lib.SessionId, idx lib.NodeIndex, info *AddressingInformation) (newInfo bool, err lib.ErrorI) {
	if info == nil {
		return false, ErrInvalidAddressingInfo("nil record")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	authorities, ok := c.sessions[session]
	if !ok {
		return false, ErrUnknownSession(session)
	}
	if idx < 0 || int(idx) >= len(authorities) {
		return false, lib.ErrInvalidNodeIndex(idx, len(authorities))
	}
	if err = info.Verify(authorities[idx]); err != nil {
		return false, err
	}
	key := cacheKey{session, idx}
	stored, found := c.entries[key]
	if found && info.Counter < stored.Counter {
		return false, ErrStaleAddressingInfo(info.Counter, stored.Counter)
	}
	c.entries[key] = info.Copy()
	c.metrics.UpdateAddressCache(len(c.entries))
	return !found || info.Counter > stored.Counter, nil
}

// Get() returns a copy of the record of the authority at `idx` in `session`
func (c *AddressCache) Get(session lib.SessionId, idx lib.NodeIndex) (*AddressingInformation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.entries[cacheKey{session, idx}]
	if !ok {
		return nil, false
	}
	return info.Copy(), true
}

// Session() returns the records known for `session` keyed by node index
func (c *AddressCache) Session(session lib.SessionId) map[lib.NodeIndex]*AddressingInformation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res := make(map[lib.NodeIndex]*AddressingInformation)
	for i := range c.sessions[session] {
		if info, ok := c.entries[cacheKey{session, lib.NodeIndex(i)}]; ok {
			res[lib.NodeIndex(i)] = info.Copy()
		}
	}
	return res
}

// Authorities() returns the authority set registered for the session
func (c *AddressCache) Authorities(session lib.SessionId) ([]lib.AuthorityId, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.sessions[session]
	return a, ok
}

// Len() returns the total number of records held
func (c *AddressCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
