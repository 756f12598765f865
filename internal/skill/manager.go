package skill

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Manager is the local skill catalog: known skills, the fingerprint digests
// they resolve and agent assignments. All operations are thread-safe and
// return copies.
type Manager struct {
	mu          sync.RWMutex
	skills      map[string]*Skill   // ID → skill
	byURI       map[string]string   // URI → ID
	byDigest    map[string]string   // fingerprint digest → ID
	assignments map[string][]string // agentID → skillIDs
}

// NewManager creates an empty Manager ready for use.
func NewManager() *Manager {
	return &Manager{
		skills:      make(map[string]*Skill),
		byURI:       make(map[string]string),
		byDigest:    make(map[string]string),
		assignments: make(map[string][]string),
	}
}

// Add registers or replaces a skill. ID defaults to URI. Usage counters of a
// replaced skill are kept.
func (m *Manager) Add(s *Skill) *Skill {
	c := *s
	if c.ID == "" {
		c.ID = c.URI
	}
	if c.Name == "" {
		c.Name = nameFromURI(c.URI)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.Digests = append([]string(nil), s.Digests...)

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.skills[c.ID]; ok {
		c.Invocations += old.Invocations
		c.Successes += old.Successes
		if c.LastUsedAt.IsZero() {
			c.LastUsedAt = old.LastUsedAt
		}
		c.Digests = mergeDigests(old.Digests, c.Digests)
	}
	m.skills[c.ID] = &c
	if c.URI != "" {
		m.byURI[c.URI] = c.ID
	}
	for _, d := range c.Digests {
		m.byDigest[d] = c.ID
	}
	out := c
	return &out
}

// Get returns a skill by ID, or nil if not found.
func (m *Manager) Get(id string) *Skill {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.copyOf(m.skills[id])
}

// GetByURI returns a skill by URI, or nil if not found.
func (m *Manager) GetByURI(uri string) *Skill {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.copyOf(m.skills[m.byURI[uri]])
}

// Lookup finds the skill bound to a fingerprint digest.
func (m *Manager) Lookup(digest string) (*Skill, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byDigest[digest]
	if !ok {
		return nil, false
	}
	s := m.copyOf(m.skills[id])
	return s, s != nil
}

// Bind records that skillID resolves digest.
func (m *Manager) Bind(digest, skillID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.skills[skillID]
	if !ok {
		return false
	}
	m.byDigest[digest] = skillID
	s.Digests = mergeDigests(s.Digests, []string{digest})
	return true
}

// RecordInvocation updates usage counters after an invoke.
func (m *Manager) RecordInvocation(id string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.skills[id]
	if !ok {
		return
	}
	s.Invocations++
	if success {
		s.Successes++
	}
	s.LastUsedAt = time.Now().UTC()
}

// Remove deletes a skill and every binding that points at it.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.skills[id]
	if !ok {
		return false
	}
	delete(m.skills, id)
	delete(m.byURI, s.URI)
	for d, sid := range m.byDigest {
		if sid == id {
			delete(m.byDigest, d)
		}
	}
	for agent, ids := range m.assignments {
		m.assignments[agent] = without(ids, id)
	}
	return true
}

// All returns every skill sorted by ID.
func (m *Manager) All() []*Skill {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Skill, 0, len(m.skills))
	for _, s := range m.skills {
		out = append(out, m.copyOf(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AssignSkill assigns a skill to an agent. Duplicate assignments are ignored.
func (m *Manager) AssignSkill(agentID, skillID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.assignments[agentID] {
		if id == skillID {
			return
		}
	}
	m.assignments[agentID] = append(m.assignments[agentID], skillID)
}

// UnassignSkill removes a skill assignment from an agent.
func (m *Manager) UnassignSkill(agentID, skillID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments[agentID] = without(m.assignments[agentID], skillID)
}

// GetAgentSkills returns the resolved skills assigned to an agent.
func (m *Manager) GetAgentSkills(agentID string) []*Skill {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Skill
	for _, id := range m.assignments[agentID] {
		if s, ok := m.skills[id]; ok {
			out = append(out, m.copyOf(s))
		}
	}
	return out
}

func (m *Manager) copyOf(s *Skill) *Skill {
	if s == nil {
		return nil
	}
	c := *s
	c.Digests = append([]string(nil), s.Digests...)
	return &c
}

func without(ids []string, id string) []string {
	out := ids[:0:0]
	for _, cur := range ids {
		if cur != id {
			out = append(out, cur)
		}
	}
	return out
}

func mergeDigests(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, d := range append(append([]string(nil), a...), b...) {
		if _, ok := seen[d]; ok || d == "" {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

// nameFromURI turns knirv://skill/js-type-checker-v1 into js-type-checker-v1.
func nameFromURI(uri string) string {
	if i := strings.LastIndex(uri, "/"); i >= 0 {
		return uri[i+1:]
	}
	return uri
}
