package session

import (
	"context"
	"time"

	"github.com/canopy-network/finality/lib"
)

const authorityPollInterval = 500 * time.Millisecond

// BackupStore keeps the agreement engine backups of the sessions
type BackupStore interface {
	// Rotate() returns the backup of the session, loading the earlier runs and saving to a new one
	Rotate(session lib.SessionId) (lib.ABFTBackup, lib.ErrorI)
	// RemoveOldBackups() deletes the backups of every session before current
	RemoveOldBackups(current lib.SessionId) lib.ErrorI
}

/*
	Party drives the session rotation of the node, following finality:
	- the session to run is the one of the block after the finalized block
	- once the authority set of the session is known, it spawns an authority task if this node is in the set,
	  otherwise it follows the session as a nonvalidator
	- a margin before the end of the session, the next session is early started if this node is one of its authorities
	- once the last block of the session is finalized the next session is started, then the old one is stopped
*/

type Party struct {
	manager     *Manager
	authorities lib.AuthorityProvider
	chain       lib.Chain
	backups     BackupStore
	boundaries  lib.SessionBoundaryInfo
	margin      uint64
	log         lib.LoggerI
}

// NewParty() creates the rotation driver, a nil backup store runs every session without a backup
func NewParty(manager *Manager, authorities lib.AuthorityProvider, chain lib.Chain, backups BackupStore, c lib.SessionConfig, log lib.LoggerI) *Party {
	return &Party{
		manager:     manager,
		authorities: authorities,
		chain:       chain,
		backups:     backups,
		boundaries:  c.Boundaries(),
		margin:      c.EarlyStartMarginBlocks,
		log:         lib.WithPrefix(log, "party"),
	}
}

// Run() rotates sessions until ctx is done, then stops the current session
func (p *Party) Run(ctx context.Context) error {
	session := p.boundaries.SessionOf(p.chain.FinalizedBlock().Number + 1)
	authorities, ok := p.awaitAuthorities(ctx, session)
	if !ok {
		return nil
	}
	p.start(ctx, session, authorities)
	for {
		if !p.awaitSessionEnd(ctx, session) {
			_ = p.manager.StopSession(session)
			return nil
		}
		next := session.Next()
		if authorities, ok = p.awaitAuthorities(ctx, next); !ok {
			_ = p.manager.StopSession(session)
			return nil
		}
		p.start(ctx, next, authorities)
		_ = p.manager.StopSession(session)
		session = next
	}
}

// start() runs the session as an authority or as a nonvalidator
func (p *Party) start(ctx context.Context, session lib.SessionId, authorities []lib.AuthorityId) {
	idx, ok := p.manager.NodeIdx(authorities)
	if !ok {
		if err := p.manager.StartNonvalidatorSession(session, authorities); err != nil {
			p.log.Errorf("Failed to start nonvalidator %s: %s", session, err.Error())
		}
		return
	}
	if _, err := p.manager.SpawnAuthorityTask(ctx, session, idx, p.backup(session), authorities); err != nil {
		p.log.Errorf("ALARM: failed to spawn the authority task of %s: %s", session, err.Error())
	}
}

// backup() rotates the session's backup and removes the ones of older sessions
func (p *Party) backup(session lib.SessionId) lib.ABFTBackup {
	if p.backups == nil {
		return lib.NewEmptyBackup()
	}
	backup, err := p.backups.Rotate(session)
	if err != nil {
		p.log.Errorf("ALARM: running %s without its backup: %s", session, err.Error())
		backup = lib.NewEmptyBackup()
	}
	if err = p.backups.RemoveOldBackups(session); err != nil {
		p.log.Warnf("Failed to remove the backups before %s: %s", session, err.Error())
	}
	return backup
}

// awaitSessionEnd() early starts the next session near the end of this one and returns once the
// session's last block is finalized, false means ctx is done
func (p *Party) awaitSessionEnd(ctx context.Context, session lib.SessionId) bool {
	if ctx.Err() != nil {
		return false
	}
	last := p.boundaries.LastBlock(session)
	earlyAt := p.boundaries.FirstBlock(session)
	if last-earlyAt > p.margin {
		earlyAt = last - p.margin
	}
	if p.chain.AwaitFinalized(ctx, earlyAt) != nil {
		return false
	}
	p.earlyStart(session.Next())
	return p.chain.AwaitFinalized(ctx, last) == nil
}

func (p *Party) earlyStart(session lib.SessionId) {
	authorities, ok := p.authorities.Authorities(session)
	if !ok {
		return
	}
	idx, ok := p.manager.NodeIdx(authorities)
	if !ok {
		return
	}
	if err := p.manager.EarlyStartValidatorSession(session, idx, authorities); err != nil {
		p.log.Warnf("Failed to early start %s: %s", session, err.Error())
	}
}

// awaitAuthorities() waits until the authority set of the session is known, false means ctx is done
func (p *Party) awaitAuthorities(ctx context.Context, session lib.SessionId) ([]lib.AuthorityId, bool) {
	ticker := time.NewTicker(authorityPollInterval)
	defer ticker.Stop()
	for {
		if authorities, ok := p.authorities.Authorities(session); ok && len(authorities) != 0 {
			return authorities, true
		}
		p.log.Debugf("Waiting for the authorities of %s", session)
		select {
		case <-ctx.Done():
			return nil, false
		case <-ticker.C:
		}
	}
}
