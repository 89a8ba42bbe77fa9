package store

import (
	"bytes"
	"context"
	"sync"

	"github.com/canopy-network/finality/lib"
	"github.com/dgraph-io/badger/v4"
)

var _ lib.Chain = &Chain{} // enforce the chain interface

/*
	Chain is the reference chain backend of the node: an append-only tree of headers rooted at genesis with a single
	finalized path through it.
	- imports are accepted for any header whose parent is known, the best block is the highest imported block on
	  top of the finalized one
	- finalization is serialized by the chain mutex, the pipeline and the justification sync path may race freely
	- waiters are released by closing the notify channel, which is replaced on every change
*/

type Chain struct {
	db        *badger.DB
	best      lib.BlockId
	finalized lib.BlockId
	notify    chan struct{}
	mu        sync.RWMutex
	metrics   *lib.Metrics
	log       lib.LoggerI
}

// NewChain() loads the chain from the database, initializing it with the genesis header on first use
func NewChain(db *badger.DB, genesis *lib.Header, metrics *lib.Metrics, log lib.LoggerI) (*Chain, lib.ErrorI) {
	c := &Chain{db: db, notify: make(chan struct{}), metrics: metrics, log: lib.WithPrefix(log, "chain")}
	err := update(db, func(txn *badger.Txn) lib.ErrorI {
		bz, err := get(txn, finalizedKey)
		if err != nil {
			return err
		}
		if bz != nil {
			if err = c.finalized.Unmarshal(bz); err != nil {
				return err
			}
			bz, err = get(txn, bestKey)
			if err != nil {
				return err
			}
			return c.best.Unmarshal(bz)
		}
		if genesis == nil || genesis.Number != 0 {
			return lib.ErrInvalidHeader("genesis must be block 0")
		}
		id := genesis.Id()
		c.finalized, c.best = id, id
		for _, e := range []struct{ k, v []byte }{
			{key(headerPrefix, id.Hash), genesis.Marshal()},
			{key(canonicalPrefix, uint64Key(0)), id.Hash},
			{finalizedKey, id.Marshal()},
			{bestKey, id.Marshal()},
		} {
			if err = set(txn, e.k, e.v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.log.Infof("Loaded chain, best %s finalized %s", c.best, c.finalized)
	c.metrics.UpdateChainMetrics(c.best.Number, c.finalized.Number)
	return c, nil
}

// ImportHeader() adds a valid header to the block tree and advances the best block
func (c *Chain) ImportHeader(h *lib.Header) lib.ErrorI {
	if err := c.ValidateHeader(h); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	id := h.Id()
	newBest := c.best
	if id.Number > c.best.Number && c.descends(h.ParentId(), c.finalized) {
		newBest = id
	}
	err := update(c.db, func(txn *badger.Txn) lib.ErrorI {
		if err := set(txn, key(headerPrefix, id.Hash), h.Marshal()); err != nil {
			return err
		}
		return set(txn, bestKey, newBest.Marshal())
	})
	if err != nil {
		return err
	}
	c.best = newBest
	c.notifyLocked()
	return nil
}

// IsBlockKnown() returns true once the block is imported
func (c *Chain) IsBlockKnown(id lib.BlockId) bool {
	_, err := c.Header(id)
	return err == nil
}

// Header() returns the header of an imported block
func (c *Chain) Header(id lib.BlockId) (h *lib.Header, err lib.ErrorI) {
	err = view(c.db, func(txn *badger.Txn) lib.ErrorI {
		h, err = c.header(txn, id)
		return err
	})
	return
}

// ValidateHeader() checks the header links to a known parent
func (c *Chain) ValidateHeader(h *lib.Header) lib.ErrorI {
	if h == nil {
		return lib.ErrNilBlockHeader()
	}
	if h.Number == 0 {
		return lib.ErrInvalidHeader("a genesis header can't be imported")
	}
	if !c.IsBlockKnown(h.ParentId()) {
		return lib.ErrInvalidHeader("unknown parent " + h.ParentId().String())
	}
	return nil
}

// BestBlock() returns the highest imported block
func (c *Chain) BestBlock() lib.BlockId {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.best
}

// FinalizedBlock() returns the last finalized block
func (c *Chain) FinalizedBlock() lib.BlockId {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.finalized
}

// Finalize() commits the block and every ancestor above the finalized block as canonical
func (c *Chain) Finalize(id lib.BlockId, justification *lib.Justification) lib.ErrorI {
	c.mu.Lock()
	defer c.mu.Unlock()
	finalized := c.finalized
	var route []lib.BlockId
	err := view(c.db, func(txn *badger.Txn) lib.ErrorI {
		if id.Number <= finalized.Number {
			canonical, err := get(txn, key(canonicalPrefix, uint64Key(id.Number)))
			if err != nil {
				return err
			}
			if !bytes.Equal(canonical, id.Hash) {
				return lib.ErrConflictingFinalization(id, finalized)
			}
			return nil
		}
		// walk back to the finalized number, the route is built newest first
		h, err := c.header(txn, id)
		if err != nil {
			return err
		}
		route = append(route, id)
		for h.Number > finalized.Number+1 {
			parent := h.ParentId()
			if h, err = c.header(txn, parent); err != nil {
				return err
			}
			route = append(route, parent)
		}
		if !bytes.Equal(h.ParentHash, finalized.Hash) {
			return lib.ErrForkSafety(id, finalized)
		}
		return nil
	})
	if err != nil || len(route) == 0 {
		return err
	}
	newBest := c.best
	if !c.descends(c.best, id) {
		newBest = id
	}
	err = update(c.db, func(txn *badger.Txn) lib.ErrorI {
		for _, b := range route {
			if e := set(txn, key(canonicalPrefix, uint64Key(b.Number)), b.Hash); e != nil {
				return e
			}
		}
		if justification != nil {
			if e := set(txn, key(justificationPrefix, id.Hash), justification.Marshal()); e != nil {
				return e
			}
		}
		if e := set(txn, bestKey, newBest.Marshal()); e != nil {
			return e
		}
		return set(txn, finalizedKey, id.Marshal())
	})
	if err != nil {
		return err
	}
	c.finalized, c.best = id, newBest
	c.log.Infof("Finalized %s", id)
	c.metrics.UpdateChainMetrics(c.best.Number, c.finalized.Number)
	c.notifyLocked()
	return nil
}

// Justification() returns the stored justification of a finalized block, nil if it was finalized as an ancestor
func (c *Chain) Justification(hash []byte) (j *lib.Justification, err lib.ErrorI) {
	err = view(c.db, func(txn *badger.Txn) lib.ErrorI {
		bz, e := get(txn, key(justificationPrefix, hash))
		if e != nil || bz == nil {
			return e
		}
		j = new(lib.Justification)
		return j.Unmarshal(bz)
	})
	return
}

// CanonicalHash() returns the finalized hash at a number
func (c *Chain) CanonicalHash(number uint64) (hash []byte, err lib.ErrorI) {
	err = view(c.db, func(txn *badger.Txn) lib.ErrorI {
		hash, err = get(txn, key(canonicalPrefix, uint64Key(number)))
		return err
	})
	if err == nil && hash == nil {
		err = lib.ErrBlockNotFound(lib.BlockId{Number: number})
	}
	return
}

// AwaitBlock() returns once the block is imported
func (c *Chain) AwaitBlock(ctx context.Context, id lib.BlockId) error {
	return c.await(ctx, func() bool { return c.IsBlockKnown(id) })
}

// AwaitFinalized() returns once the finalized number reaches number
func (c *Chain) AwaitFinalized(ctx context.Context, number uint64) error {
	return c.await(ctx, func() bool { return c.finalized.Number >= number })
}

// await() checks the condition under the read lock and sleeps on the notify channel until it holds
func (c *Chain) await(ctx context.Context, condition func() bool) error {
	for {
		c.mu.RLock()
		done, notify := condition(), c.notify
		c.mu.RUnlock()
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-notify:
		}
	}
}

func (c *Chain) notifyLocked() {
	close(c.notify)
	c.notify = make(chan struct{})
}

// descends() returns whether block is id or one of its descendants
func (c *Chain) descends(block, id lib.BlockId) bool {
	if block.Number < id.Number {
		return false
	}
	var ok bool
	_ = view(c.db, func(txn *badger.Txn) lib.ErrorI {
		for block.Number > id.Number {
			h, err := c.header(txn, block)
			if err != nil {
				return err
			}
			block = h.ParentId()
		}
		ok = block.Equals(id)
		return nil
	})
	return ok
}

func (c *Chain) header(txn *badger.Txn, id lib.BlockId) (*lib.Header, lib.ErrorI) {
	bz, err := get(txn, key(headerPrefix, id.Hash))
	if err != nil {
		return nil, err
	}
	if bz == nil {
		return nil, lib.ErrBlockNotFound(id)
	}
	h := new(lib.Header)
	if err = h.Unmarshal(bz); err != nil {
		return nil, err
	}
	if h.Number != id.Number {
		return nil, lib.ErrBlockNotFound(id)
	}
	return h, nil
}
