package command

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/Robor-Electronics/lwgsm/internal/sys"
)

// Pool is a bounded set of envelopes for non-blocking submissions. Its size
// caps the number of fire-and-forget commands in flight.
type Pool struct {
	free chan *Envelope
	size int
}

// NewPool preallocates size envelopes.
func NewPool(size int) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("envelope pool size %d: %w", size, sys.ErrInvalid)
	}
	p := &Pool{free: make(chan *Envelope, size), size: size}
	for i := 0; i < size; i++ {
		p.free <- &Envelope{pool: p}
	}
	return p, nil
}

// Get draws a non-blocking envelope. It never blocks and reports false when
// the pool is exhausted.
func (p *Pool) Get(tag Tag, payload Payload, cb Callback) (*Envelope, bool) {
	select {
	case env := <-p.free:
		env.ID = uuid.NewString()
		env.Tag = tag
		env.Payload = payload
		env.Callback = cb
		env.Blocking = false
		return env, true
	default:
		return nil, false
	}
}

// Put returns env to the pool. Envelopes that did not come from p are ignored.
func (p *Pool) Put(env *Envelope) {
	if p == nil || env == nil || env.pool != p {
		return
	}
	id := env.ID
	env.reset()
	select {
	case p.free <- env:
	default:
		log.WithField("id", id).Warn("envelope returned to a full pool")
	}
}

// Available returns the number of free envelopes.
func (p *Pool) Available() int {
	if p == nil {
		return 0
	}
	return len(p.free)
}

// Size returns the pool capacity.
func (p *Pool) Size() int {
	if p == nil {
		return 0
	}
	return p.size
}
