package session

import (
	"errors"
	"sync"
)

var (
	ErrSessionOpen = errors.New("a capture session is already open")
	ErrNoSession   = errors.New("no capture session is open")
)

// Registry holds the one capture session this service allows at a time.
type Registry struct {
	deps Deps

	mu      sync.Mutex
	current *Session
}

func NewRegistry(deps Deps) *Registry {
	return &Registry{deps: deps}
}

// Open starts a session for a subject. Transient media from the previous
// session is dropped here rather than at close, so a resolved handle stays
// valid while the operator looks at it.
func (r *Registry) Open(subjectID, subjectName string) (*Session, error) {
	if subjectID == "" {
		return nil, errors.New("subject id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil && !r.current.Closed() {
		return nil, ErrSessionOpen
	}
	if r.deps.Store != nil {
		r.deps.Store.Clear()
	}
	s := New(r.deps, subjectID, subjectName)
	s.onClose = r.closed
	r.current = s
	s.logger.Infof("session opened for subject %s (%s)", subjectID, subjectName)
	s.mu.Lock()
	s.publishLocked()
	s.mu.Unlock()

	return s, nil
}

func (r *Registry) closed(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == s {
		r.current = nil
	}
}

func (r *Registry) Current() (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil || r.current.Closed() {
		return nil, ErrNoSession
	}
	return r.current, nil
}

// Close closes the open session, if any.
func (r *Registry) Close() {
	r.mu.Lock()
	s := r.current
	r.mu.Unlock()
	if s != nil {
		s.Close()
	}
}
