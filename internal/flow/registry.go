package flow

import (
	"context"
	"sync"

	"github.com/zhixue/practice/internal/model"
)

// Registry holds one controller per logged-in student.
type Registry struct {
	deps Deps

	mu          sync.Mutex
	controllers map[string]*Controller
}

// NewRegistry creates an empty registry.
func NewRegistry(deps Deps) *Registry {
	return &Registry{deps: deps, controllers: make(map[string]*Controller)}
}

// Get returns the student's controller, creating and logging it in on first use.
func (r *Registry) Get(ctx context.Context, st *model.Student) (*Controller, error) {
	r.mu.Lock()
	c, ok := r.controllers[st.ID]
	if !ok {
		c = NewController(r.deps)
		r.controllers[st.ID] = c
	}
	r.mu.Unlock()

	if c.State() == StateLoggedOut {
		if err := c.Login(ctx, st); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Remove logs the student out and forgets the controller.
func (r *Registry) Remove(studentID string) error {
	r.mu.Lock()
	c, ok := r.controllers[studentID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if err := c.Logout(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.controllers, studentID)
	return nil
}

// Len returns the number of live controllers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.controllers)
}
