package vm

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// SendRight is a capability naming a memory object. Each right holds one
// reference on its object until released.
type SendRight struct {
	obj      *Object
	id       uuid.UUID
	released atomic.Bool
}

func newSendRight(obj *Object) *SendRight {
	return &SendRight{obj: obj, id: uuid.New()}
}

// Object returns the memory object the right names.
func (r *SendRight) Object() *Object { return r.obj }

// ID returns the right's unique identifier.
func (r *SendRight) ID() uuid.UUID { return r.id }

// Release drops the right's reference. Only the first call has an effect.
func (r *SendRight) Release() {
	if r.released.CompareAndSwap(false, true) {
		r.obj.Unreference()
	}
}
