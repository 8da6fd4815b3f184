package collab

import (
	"sort"
	"sync"
	"time"
)

// PresenceEntry is the live state of one user within one project.
type PresenceEntry struct {
	UserID          string    `json:"user_id"`
	UserName        string    `json:"user_name"`
	Status          Status    `json:"status"`
	CursorPosition  *Point    `json:"cursor_position,omitempty"`
	SelectedElement *string   `json:"selected_element,omitempty"`
	LastSeen        time.Time `json:"last_seen"`
}

func (e *PresenceEntry) copy() PresenceEntry {
	c := *e
	if e.CursorPosition != nil {
		p := *e.CursorPosition
		c.CursorPosition = &p
	}
	if e.SelectedElement != nil {
		s := *e.SelectedElement
		c.SelectedElement = &s
	}
	return c
}

type Selection struct {
	// nil clears
	ElementID *string
}

// PresenceUpdate is a partial update. Zero fields leave the entry unchanged.
type PresenceUpdate struct {
	UserName  string
	Status    Status
	Cursor    *Point
	Selection *Selection
}

// PresenceKey identifies an entry in the table.
type PresenceKey struct {
	ProjectID string
	UserID    string
	UserName  string
}

// PresenceTable tracks which users are active in which projects. There is at most one entry
// per (project, user) no matter how many connections the user has open.
type PresenceTable struct {
	mu       sync.Mutex
	projects map[string]map[string]*PresenceEntry
	now      func() time.Time
}

func NewPresenceTable() *PresenceTable {
	return &PresenceTable{
		projects: make(map[string]map[string]*PresenceEntry),
		now:      time.Now,
	}
}

// Upsert merges the update into the user's entry, creating it if needed, and refreshes
// last_seen. Returns a copy of the resulting entry.
func (t *PresenceTable) Upsert(projectID, userID string, u PresenceUpdate) PresenceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	users := t.projects[projectID]
	if users == nil {
		users = make(map[string]*PresenceEntry)
		t.projects[projectID] = users
	}
	e := users[userID]
	if e == nil {
		e = &PresenceEntry{
			UserID:   userID,
			UserName: userID,
			Status:   StatusActive,
		}
		users[userID] = e
	}
	if u.UserName != "" {
		e.UserName = u.UserName
	}
	if u.Status != "" {
		e.Status = u.Status
	}
	if u.Cursor != nil {
		p := *u.Cursor
		e.CursorPosition = &p
	}
	if u.Selection != nil {
		if u.Selection.ElementID == nil {
			e.SelectedElement = nil
		} else {
			s := *u.Selection.ElementID
			e.SelectedElement = &s
		}
	}
	e.LastSeen = t.now()
	return e.copy()
}

// Touch refreshes last_seen without changing anything else. Returns false if there is no entry.
func (t *PresenceTable) Touch(projectID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.projects[projectID][userID]
	if e == nil {
		return false
	}
	e.LastSeen = t.now()
	return true
}

// Remove deletes the entry, reporting whether it existed.
func (t *PresenceTable) Remove(projectID, userID string) (PresenceEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	users := t.projects[projectID]
	e := users[userID]
	if e == nil {
		return PresenceEntry{}, false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(t.projects, projectID)
	}
	return *e, true
}

func (t *PresenceTable) Get(projectID, userID string) (PresenceEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.projects[projectID][userID]
	if e == nil {
		return PresenceEntry{}, false
	}
	return e.copy(), true
}

// Snapshot returns copies of every entry in the project, sorted by user ID.
func (t *PresenceTable) Snapshot(projectID string) []PresenceEntry {
	t.mu.Lock()
	users := t.projects[projectID]
	result := make([]PresenceEntry, 0, len(users))
	for _, e := range users {
		result = append(result, e.copy())
	}
	t.mu.Unlock()
	sort.Slice(result, func(i, j int) bool {
		return result[i].UserID < result[j].UserID
	})
	return result
}

// Users returns the set of user IDs present in the project.
func (t *PresenceTable) Users(projectID string) []string {
	snapshot := t.Snapshot(projectID)
	userIDs := make([]string, len(snapshot))
	for i := range snapshot {
		userIDs[i] = snapshot[i].UserID
	}
	return userIDs
}

// Sweep removes every entry across all projects which has not been seen for longer than
// timeout, returning what was removed.
func (t *PresenceTable) Sweep(now time.Time, timeout time.Duration) []PresenceKey {
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed []PresenceKey
	for projectID, users := range t.projects {
		for userID, e := range users {
			if now.Sub(e.LastSeen) <= timeout {
				continue
			}
			delete(users, userID)
			removed = append(removed, PresenceKey{
				ProjectID: projectID,
				UserID:    userID,
				UserName:  e.UserName,
			})
		}
		if len(users) == 0 {
			delete(t.projects, projectID)
		}
	}
	return removed
}

// Len returns the total number of entries across all projects.
func (t *PresenceTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, users := range t.projects {
		n += len(users)
	}
	return n
}
