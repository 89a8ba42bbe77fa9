package finality

import (
	"github.com/canopy-network/finality/lib"
	lru "github.com/hashicorp/golang-lru/v2"
)

var _ lib.ChainInfoProvider = &CachedChainInfo{}

// CachedChainInfo keeps recently seen headers in memory in front of a chain info provider
// only positive answers are cached: imported blocks never disappear, missing blocks may be imported any time
type CachedChainInfo struct {
	provider lib.ChainInfoProvider
	headers  *lru.Cache[string, *lib.Header]
}

// NewCachedChainInfo() wraps provider with a cache of `capacity` headers
func NewCachedChainInfo(provider lib.ChainInfoProvider, capacity int) (*CachedChainInfo, lib.ErrorI) {
	headers, err := lru.New[string, *lib.Header](capacity)
	if err != nil {
		return nil, lib.ErrInvalidConfig(err.Error())
	}
	return &CachedChainInfo{provider: provider, headers: headers}, nil
}

func (c *CachedChainInfo) IsBlockKnown(id lib.BlockId) bool {
	_, err := c.Header(id)
	return err == nil
}

func (c *CachedChainInfo) Header(id lib.BlockId) (*lib.Header, lib.ErrorI) {
	if h, ok := c.headers.Get(id.Key()); ok {
		return h, nil
	}
	h, err := c.provider.Header(id)
	if err != nil {
		return nil, err
	}
	c.headers.Add(id.Key(), h)
	return h, nil
}

func (c *CachedChainInfo) ValidateHeader(h *lib.Header) lib.ErrorI { return c.provider.ValidateHeader(h) }
