package repository

import (
	"sync"

	"github.com/wu8685/marathon/internal/state"
)

// groupPromise is a write-once future holding a resolved root group. The
// repository swaps promises under a mutex but always awaits outside it.
type groupPromise struct {
	done  chan struct{}
	once  sync.Once
	group *state.Group
	err   error
}

func newGroupPromise() *groupPromise {
	return &groupPromise{done: make(chan struct{})}
}

func completedGroupPromise(group *state.Group, err error) *groupPromise {
	p := newGroupPromise()
	p.complete(group, err)
	return p
}

func (p *groupPromise) complete(group *state.Group, err error) {
	p.once.Do(func() {
		p.group = group
		p.err = err
		close(p.done)
	})
}

// completeFrom resolves p with whatever other resolves to. Used on the
// revert path after a failed root write.
func (p *groupPromise) completeFrom(other *groupPromise) {
	go func() {
		<-other.done
		p.complete(other.group, other.err)
	}()
}

func (p *groupPromise) await() (*state.Group, error) {
	<-p.done
	return p.group, p.err
}

// isFailed reports whether the promise is resolved with an error. An
// unresolved promise is not failed.
func (p *groupPromise) isFailed() bool {
	select {
	case <-p.done:
		return p.err != nil
	default:
		return false
	}
}
