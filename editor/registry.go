package editor

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/soham-khedkar/humourhub/core"
)

// Factory builds a controller, with its own canvas, for owner.
type Factory func(owner core.Identity) *Controller

// Registry keeps at most one controller per user.
type Registry struct {
	mu          sync.Mutex
	controllers map[string]*Controller
	factory     Factory
}

func NewRegistry(factory Factory) *Registry {
	return &Registry{
		controllers: make(map[string]*Controller),
		factory:     factory,
	}
}

// Controller returns owner's controller, creating it on first use.
func (r *Registry) Controller(owner core.Identity) (*Controller, error) {
	if owner.Anonymous() {
		return nil, ErrUnauthenticated
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.controllers[owner.Subject]; ok {
		return c, nil
	}
	c := r.factory(owner)
	r.controllers[owner.Subject] = c
	logrus.WithField("user_id", owner.Subject).Debug("Editor controller created")
	return c, nil
}

// Lookup returns the controller for subject without creating one.
func (r *Registry) Lookup(subject string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.controllers[subject]
	return c, ok
}

// Close discards subject's session and forgets the controller.
func (r *Registry) Close(subject string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.controllers[subject]
	if !ok {
		return nil
	}
	if err := c.Close(); err != nil {
		return err
	}
	delete(r.controllers, subject)
	return nil
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.controllers)
}
