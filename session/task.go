package session

import (
	"context"
	"fmt"

	"github.com/canopy-network/finality/lib"
	"golang.org/x/sync/errgroup"
)

// AuthorityTask is the handle of the subtasks running a validator session: the agreement engine,
// the finalization pipeline and the justification aggregator
// it completes once the pipeline finalized the last block of the session, a stopped task never resumes
type AuthorityTask struct {
	session lib.SessionId
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// subtask is a goroutine of the task, complete marks the subtask whose return ends the task
type subtask struct {
	name     string
	run      func(ctx context.Context) error
	complete bool
}

// startAuthorityTask() runs the subtasks in an errgroup, the first failure cancels the others
// onExit is called once every subtask returned
func startAuthorityTask(ctx context.Context, session lib.SessionId, subtasks []subtask, onExit func(*AuthorityTask)) *AuthorityTask {
	ctx, cancel := context.WithCancel(ctx)
	t := &AuthorityTask{session: session, cancel: cancel, done: make(chan struct{})}
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range subtasks {
		s := s
		g.Go(func() error {
			if err := s.run(gctx); err != nil {
				return ErrSessionTask(session, fmt.Errorf("%s: %w", s.name, err))
			}
			if s.complete {
				cancel()
			}
			return nil
		})
	}
	go func() {
		t.err = g.Wait()
		cancel()
		close(t.done)
		if onExit != nil {
			onExit(t)
		}
	}()
	return t
}

// Stop() cancels the task and waits for every subtask to return
func (t *AuthorityTask) Stop() {
	t.cancel()
	<-t.done
}

// Done() is closed once the task is over, by completion, failure or Stop()
func (t *AuthorityTask) Done() <-chan struct{} { return t.done }

// Err() returns the error that ended the task, only valid after Done()
func (t *AuthorityTask) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Session() returns the session the task runs
func (t *AuthorityTask) Session() lib.SessionId { return t.session }
