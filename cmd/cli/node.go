package cli

import (
	"context"
	"time"

	"github.com/canopy-network/finality/abft"
	"github.com/canopy-network/finality/finality"
	"github.com/canopy-network/finality/lib"
	"github.com/canopy-network/finality/lib/crypto"
	"github.com/canopy-network/finality/p2p"
	"github.com/canopy-network/finality/ratelimit"
	"github.com/canopy-network/finality/session"
	"github.com/canopy-network/finality/store"
	"github.com/dgraph-io/badger/v4"
	"golang.org/x/sync/errgroup"
)

// Genesis is the first block of every development chain
var Genesis = &lib.Header{Extra: []byte("finality genesis")}

// Node wires the finality gadget of one process: storage, transport, sync and session rotation
type Node struct {
	config  lib.Config
	db      *badger.DB
	chain   *store.Chain
	p2p     *p2p.P2P
	network *p2p.SessionManager
	sync    *finality.SyncHandler
	manager *session.Manager
	party   *session.Party
	metrics *lib.Metrics
	cancel  context.CancelFunc
	group   *errgroup.Group
	log     lib.LoggerI
}

// NewNode() creates every module of the node without starting any of them
func NewNode(c lib.Config, privateKey crypto.PrivateKeyI, log lib.LoggerI) (*Node, lib.ErrorI) {
	metrics := lib.NewMetricsServer(c.MetricsConfig, log)
	db, err := store.OpenDB(c.StoreConfig, log)
	if err != nil {
		return nil, err
	}
	chain, err := store.NewChain(db, Genesis, metrics, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	rateLimiter, err := ratelimit.NewSleepingRateLimiter(c.P2PConfig, ratelimit.SystemClock(), metrics)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	chainInfo, err := finality.NewCachedChainInfo(chain, c.ChainInfoCacheCapacity)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	authorities, err := session.NewStaticAuthorities(c.DevConfig.Authorities)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if len(authorities) == 0 {
		// a single node development network
		authorities = session.StaticAuthorities{privateKey.PublicKey().Bytes()}
	}
	transport := p2p.New(privateKey, c.P2PConfig, rateLimiter, metrics, log)
	network := p2p.NewSessionManager(transport, p2p.NewAddressCache(c.AddressCacheEvictionOnRotation, metrics), privateKey, c.P2PConfig, metrics, log)
	syncHandler := finality.NewSyncHandler(network, finality.NewVerifier(authorities, c.SessionConfig.Boundaries()), chain, c.FinalityConfig, log)
	manager := session.NewManager(session.ManagerConfig{
		Network:     network,
		Chain:       chain,
		ChainInfo:   chainInfo,
		Engine:      abft.NewSequencer(),
		PrivateKey:  privateKey,
		Session:     c.SessionConfig,
		Finality:    c.FinalityConfig,
		OnJustified: syncHandler.Announce,
		Metrics:     metrics,
		Log:         log,
	})
	var backups session.BackupStore
	if c.BackupEnabled {
		backups = store.NewBackupStore(db, log)
	}
	return &Node{
		config:  c,
		db:      db,
		chain:   chain,
		p2p:     transport,
		network: network,
		sync:    syncHandler,
		manager: manager,
		party:   session.NewParty(manager, authorities, chain, backups, c.SessionConfig, log),
		metrics: metrics,
		log:     log,
	}, nil
}

// Start() starts the transport, the justification sync and the session rotation
func (n *Node) Start() lib.ErrorI {
	n.metrics.Start()
	if err := n.p2p.Start(); err != nil {
		return err
	}
	n.network.Start()
	var ctx context.Context
	ctx, n.cancel = context.WithCancel(context.Background())
	n.group, ctx = errgroup.WithContext(ctx)
	n.sync.Start(ctx)
	n.group.Go(func() error { return n.party.Run(ctx) })
	if n.config.BlockTimeMS > 0 {
		n.group.Go(func() error { return n.author(ctx) })
	}
	return nil
}

// Stop() gracefully stops the node
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
		if err := n.group.Wait(); err != nil {
			n.log.Error(err.Error())
		}
	}
	n.manager.Stop()
	n.network.Stop()
	n.p2p.Stop()
	n.metrics.Stop()
	if err := n.db.Close(); err != nil {
		n.log.Error(store.ErrCloseDB(err).Error())
	}
}

// Chain() exposes the node's block store
func (n *Node) Chain() *store.Chain { return n.chain }

// author() extends the best block every block time, the block source of a development network
func (n *Node) author(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(n.config.BlockTimeMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-ticker.C:
			best := n.chain.BestBlock()
			h := &lib.Header{ParentHash: best.Hash, Number: best.Number + 1, Extra: uint64Bytes(uint64(t.UnixNano()))}
			if err := n.chain.ImportHeader(h); err != nil {
				n.log.Errorf("Failed to import block %d: %s", h.Number, err.Error())
				continue
			}
			n.log.Debugf("Authored block %d", h.Number)
		}
	}
}

func uint64Bytes(v uint64) []byte { return lib.AppendUint64Field(nil, 1, v) }
