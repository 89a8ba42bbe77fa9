package session

import (
	"fmt"

	"github.com/canopy-network/finality/lib"
)

func ErrLifecycle(session lib.SessionId, state State, operation string) lib.ErrorI {
	return lib.NewError(lib.CodeLifecycle, lib.SessionModule, fmt.Sprintf("can't %s %s in state %s", operation, session, state))
}

func ErrEmptyAuthorities(session lib.SessionId) lib.ErrorI {
	return lib.NewError(lib.CodeEmptyAuthorities, lib.SessionModule, fmt.Sprintf("empty authority set for %s", session))
}

func ErrNotInAuthoritySet(session lib.SessionId, idx lib.NodeIndex) lib.ErrorI {
	return lib.NewError(lib.CodeNotInAuthoritySet, lib.SessionModule, fmt.Sprintf("this node isn't authority %d of %s", idx, session))
}

func ErrSessionTask(session lib.SessionId, err error) lib.ErrorI {
	return lib.NewError(lib.CodeSessionTask, lib.SessionModule, fmt.Sprintf("task of %s failed with err: %s", session, err.Error()))
}
