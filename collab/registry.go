package collab

import (
	"encoding/json"
	"sort"
	"sync"

	"golang.org/x/exp/maps"
)

// Sender is a live client connection which frames can be delivered to.
type Sender interface {
	ConnID() string
	UserID() string
	// Send queues the frame for delivery without blocking. An error means the connection
	// can no longer receive frames.
	Send(frame []byte) error
	// Close sends a close frame with this code and tears the connection down. Safe to call
	// more than once.
	Close(code int, reason string)
}

type projectConns struct {
	mu    sync.Mutex
	conns []Sender
}

func (p *projectConns) remove(s Sender) bool {
	for i := range p.conns {
		if p.conns[i] == s {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			return true
		}
	}
	return false
}

// Registry maps each project to the connections currently joined to it. Each project has its
// own lock so broadcasts in different projects do not contend. No lock is held while sending.
type Registry struct {
	// guards the projects map. Adding to a projectConns needs at least the read lock and
	// deleting an empty projectConns needs the write lock.
	mu       sync.RWMutex
	projects map[string]*projectConns
	// called with each connection that is pruned after a failed send
	onPrune func(projectID string, s Sender, err error)
}

func NewRegistry() *Registry {
	return &Registry{
		projects: make(map[string]*projectConns),
	}
}

func (r *Registry) Register(projectID string, s Sender) {
	r.mu.RLock()
	pc := r.projects[projectID]
	if pc != nil {
		pc.mu.Lock()
		pc.conns = append(pc.conns, s)
		pc.mu.Unlock()
		r.mu.RUnlock()
		return
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	pc = r.projects[projectID]
	if pc == nil {
		pc = &projectConns{}
		r.projects[projectID] = pc
	}
	pc.mu.Lock()
	pc.conns = append(pc.conns, s)
	pc.mu.Unlock()
}

// Unregister removes the connection from the project. Returns false if it was not registered.
func (r *Registry) Unregister(projectID string, s Sender) bool {
	r.mu.RLock()
	pc := r.projects[projectID]
	if pc == nil {
		r.mu.RUnlock()
		return false
	}
	pc.mu.Lock()
	removed := pc.remove(s)
	empty := len(pc.conns) == 0
	pc.mu.Unlock()
	r.mu.RUnlock()

	if empty {
		r.mu.Lock()
		if r.projects[projectID] == pc {
			pc.mu.Lock()
			if len(pc.conns) == 0 {
				delete(r.projects, projectID)
			}
			pc.mu.Unlock()
		}
		r.mu.Unlock()
	}
	return removed
}

func (r *Registry) conns(projectID string) []Sender {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pc := r.projects[projectID]
	if pc == nil {
		return nil
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	result := make([]Sender, len(pc.conns))
	copy(result, pc.conns)
	return result
}

// Broadcast delivers the frame to every connection in the project not owned by excludeUserID.
// Connections which fail to accept the frame are removed from the registry. Returns the
// number of successful deliveries and failures.
func (r *Registry) Broadcast(projectID string, frame []byte, excludeUserID string) (delivered, failed int) {
	for _, s := range r.conns(projectID) {
		if excludeUserID != "" && s.UserID() == excludeUserID {
			continue
		}
		if err := s.Send(frame); err != nil {
			failed++
			if r.Unregister(projectID, s) && r.onPrune != nil {
				r.onPrune(projectID, s, err)
			}
			continue
		}
		delivered++
	}
	return
}

// BroadcastJSON serialises v once and broadcasts it.
func (r *Registry) BroadcastJSON(projectID string, v interface{}, excludeUserID string) (delivered, failed int, err error) {
	frame, err := json.Marshal(v)
	if err != nil {
		return 0, 0, err
	}
	delivered, failed = r.Broadcast(projectID, frame, excludeUserID)
	return delivered, failed, nil
}

// HasUser returns true if the user has at least one connection in the project.
func (r *Registry) HasUser(projectID, userID string) bool {
	for _, s := range r.conns(projectID) {
		if s.UserID() == userID {
			return true
		}
	}
	return false
}

// UserConns returns the user's connections in the project.
func (r *Registry) UserConns(projectID, userID string) []Sender {
	var result []Sender
	for _, s := range r.conns(projectID) {
		if s.UserID() == userID {
			result = append(result, s)
		}
	}
	return result
}

// Projects returns the IDs of all projects with at least one connection, sorted.
func (r *Registry) Projects() []string {
	r.mu.RLock()
	projectIDs := maps.Keys(r.projects)
	r.mu.RUnlock()
	sort.Strings(projectIDs)
	return projectIDs
}

// Count returns the total number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, pc := range r.projects {
		pc.mu.Lock()
		n += len(pc.conns)
		pc.mu.Unlock()
	}
	return n
}

// ProjectCount returns the number of connections in one project.
func (r *Registry) ProjectCount(projectID string) int {
	return len(r.conns(projectID))
}

// CloseAll closes every registered connection. Used on shutdown.
func (r *Registry) CloseAll(code int, reason string) {
	for _, projectID := range r.Projects() {
		for _, s := range r.conns(projectID) {
			s.Close(code, reason)
		}
	}
}
