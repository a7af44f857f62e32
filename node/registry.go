//go:build linux
// +build linux

package node

import "fmt"

// Registry maps socket handles to the connections that own them. It is the
// sole owner of every Conn; nothing else keeps a Conn past a callback.
type Registry struct {
	conns map[Handle]*Conn
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[Handle]*Conn),
	}
}

// Add stores c under its handle. An existing entry is never overwritten: a
// duplicate means the registry and the poller disagree.
func (r *Registry) Add(c *Conn) error {
	if _, ok := r.conns[c.fd]; ok {
		return fmt.Errorf("fd %d: %w", c.fd, ErrDuplicateHandle)
	}
	r.conns[c.fd] = c
	return nil
}

// Remove drops fd. Removing an absent handle is a no-op.
func (r *Registry) Remove(fd Handle) {
	delete(r.conns, fd)
}

func (r *Registry) Lookup(fd Handle) (*Conn, error) {
	c, ok := r.conns[fd]
	if !ok {
		return nil, fmt.Errorf("fd %d: %w", fd, ErrNotFound)
	}
	return c, nil
}

func (r *Registry) Len() int {
	return len(r.conns)
}

func (r *Registry) Handles() []Handle {
	fds := make([]Handle, 0, len(r.conns))
	for fd := range r.conns {
		fds = append(fds, fd)
	}
	return fds
}

// Range calls fn for every connection until fn returns false. fn may not
// add or remove entries.
func (r *Registry) Range(fn func(c *Conn) bool) {
	for _, c := range r.conns {
		if !fn(c) {
			return
		}
	}
}
