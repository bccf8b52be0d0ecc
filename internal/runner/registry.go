package runner

import (
	"context"
	"sync"
)

// Registry tracks which session, if any, currently has a dialed companion
// Client backing it. Backends that dial a companion for a long-running
// interaction register it here so a transport can abort on disconnect;
// backends that never dial one simply never appear in the map.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*Client
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

// Track records that session is currently backed by c, replacing any
// previous entry. The caller owns c's lifecycle; Track does not close a
// replaced client.
func (r *Registry) Track(session string, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[session] = c
}

// Untrack removes session's association, normally once its request
// completes or the companion is torn down.
func (r *Registry) Untrack(session string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, session)
}

// Active reports whether session currently has a tracked client.
func (r *Registry) Active(session string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.clients[session]
	return ok
}

// Abort signals the client tracked against session to cancel its in-flight
// interaction. A miss is not an error: most sessions never dial a runner
// companion at all.
func (r *Registry) Abort(ctx context.Context, session string) {
	r.mu.Lock()
	c, ok := r.clients[session]
	r.mu.Unlock()
	if !ok {
		return
	}
	_, _ = c.Abort(ctx, session)
}
