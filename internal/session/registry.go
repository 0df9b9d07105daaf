// Package session binds long-lived consumer sessions to a single project.
package session

import (
	"sync"

	"github.com/google/uuid"
)

// Registry tracks live sessions. A session's project is fixed at Open and
// never changes; operations issued on behalf of a session must use the bound
// project, which is the isolation boundary between projects.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]string // session id -> project id
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]string)}
}

// Open creates a session bound to project for its whole lifetime and returns
// its id.
func (r *Registry) Open(project string) string {
	id := uuid.New().String()
	r.mu.Lock()
	r.sessions[id] = project
	r.mu.Unlock()
	return id
}

// Close removes a session. Unknown ids are a no-op. In-flight work issued
// under the session is unaffected.
func (r *Registry) Close(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Project returns the project a session is bound to.
func (r *Registry) Project(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.sessions[id]
	return p, ok
}

// CountsByProject returns the number of live sessions per project.
func (r *Registry) CountsByProject() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[string]int)
	for _, p := range r.sessions {
		counts[p]++
	}
	return counts
}
