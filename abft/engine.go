package abft

import (
	"context"
	"io"
	"time"

	"github.com/canopy-network/finality/lib"
	"github.com/canopy-network/finality/p2p"
)

/*
	The agreement engine is opaque to the node: it is handed everything a session needs and is expected to
	- pull local proposals from the DataProvider whenever it is ready to create a unit
	- emit the agreed proposals, in the same total order on every honest node, to the FinalizationHandler
	- write every record it depends on to the backup Saver before the record has any visible effect,
	  and resume from the backup Loader after a restart instead of agreeing on the same items again
	Run returns nil when the context is done, any other return ends the session.
*/

// Engine is an agreement engine that orders proposals within one session
type Engine interface {
	Run(ctx context.Context, session *Session) error
}

// Session is the input of one engine run
type Session struct {
	Id                lib.SessionId
	NodeIndex         lib.NodeIndex
	Authorities       []lib.AuthorityId
	Network           p2p.Network
	DataProvider      lib.DataProvider
	Handler           lib.FinalizationHandler
	Backup            lib.ABFTBackup
	UnitCreationDelay time.Duration
	Log               lib.LoggerI
}

const defaultUnitCreationDelay = 200 * time.Millisecond

// check() validates the session and fills the optional fields
func (s *Session) check() lib.ErrorI {
	switch {
	case len(s.Authorities) == 0:
		return ErrEmptySessionInfo("authorities")
	case s.Network == nil:
		return ErrEmptySessionInfo("network")
	case s.DataProvider == nil:
		return ErrEmptySessionInfo("data provider")
	case s.Handler == nil:
		return ErrEmptySessionInfo("finalization handler")
	case s.NodeIndex < 0 || int(s.NodeIndex) >= len(s.Authorities):
		return lib.ErrInvalidNodeIndex(s.NodeIndex, len(s.Authorities))
	}
	if s.Backup.Saver == nil {
		s.Backup.Saver = io.Discard
	}
	if s.UnitCreationDelay <= 0 {
		s.UnitCreationDelay = defaultUnitCreationDelay
	}
	if s.Log == nil {
		s.Log = lib.NewNullLogger()
	}
	return nil
}
