package mutx

import (
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Operations touching the same volume handle must be performed sequentially;
// an in-flight attach or detach makes the guard's state view meaningful.
type GlobalLocks struct {
	locks sets.String
	mux   sync.Mutex
	cond  *sync.Cond
}

// NewGlobalLocks returns new GlobalLocks.
func NewGlobalLocks() *GlobalLocks {
	gl := &GlobalLocks{
		locks: sets.NewString(),
	}
	gl.cond = sync.NewCond(&gl.mux)
	return gl
}

// Lock blocks until the lock for id is acquired. Used where overlapping
// calls must serialize instead of failing fast.
func (gl *GlobalLocks) Lock(id string) {
	gl.mux.Lock()
	defer gl.mux.Unlock()
	for gl.locks.Has(id) {
		gl.cond.Wait()
	}
	gl.locks.Insert(id)
}

// TryAcquire tries to acquire the lock for operating on id and returns true
// if successful. If another operation is already using id, returns false.
func (gl *GlobalLocks) TryAcquire(id string) bool {
	gl.mux.Lock()
	defer gl.mux.Unlock()
	if gl.locks.Has(id) {
		return false
	}
	gl.locks.Insert(id)
	return true
}

// Release deletes the lock on id.
func (gl *GlobalLocks) Release(id string) {
	gl.mux.Lock()
	defer gl.mux.Unlock()
	gl.locks.Delete(id)
	if gl.cond != nil {
		gl.cond.Broadcast()
	}
}
