// Package memstore keeps all state in process memory. It backs the test
// suite and the `store: memory` mode.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"nuha.dev/safezone/internal/common"
	"nuha.dev/safezone/internal/geofence"
	"nuha.dev/safezone/internal/store"
)

type Store struct {
	mu        sync.Mutex
	users     map[uint64]*store.User
	emails    map[string]uint64
	entities  map[uint64]*store.Entity
	incidents map[uint64]*store.Incident
	userSeq   uint64
	incSeq    uint64
	history   store.HistoryStore
}

// New returns an empty store. History records go to history, which may be
// nil to discard them.
func New(history store.HistoryStore) *Store {
	return &Store{
		users:     make(map[uint64]*store.User),
		emails:    make(map[string]uint64),
		entities:  make(map[uint64]*store.Entity),
		incidents: make(map[uint64]*store.Incident),
		history:   history,
	}
}

func (s *Store) CreateUser(ctx context.Context, u *store.User) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(u.Email)
	if _, ok := s.emails[key]; ok {
		return 0, store.ErrDuplicate
	}
	s.userSeq++
	cp := *u
	cp.Id = s.userSeq
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.users[cp.Id] = &cp
	s.emails[key] = cp.Id
	return cp.Id, nil
}

func (s *Store) GetUser(ctx context.Context, id uint64) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.emails[strings.ToLower(email)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s.users[id]
	return &cp, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]*store.User, error) {
	s.mu.Lock()
	out := make([]*store.User, 0, len(s.users))
	for _, u := range s.users {
		cp := *u
		out = append(out, &cp)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out, nil
}

func (s *Store) SetUserActive(ctx context.Context, id uint64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.Active = active
	return nil
}

func (s *Store) CreateEntity(ctx context.Context, e *store.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[e.UserId]; ok {
		return store.ErrDuplicate
	}
	cp := copyEntity(e)
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	s.entities[e.UserId] = cp
	return nil
}

func (s *Store) GetEntity(ctx context.Context, id uint64) (*store.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyEntity(e), nil
}

func (s *Store) UpdatePosition(ctx context.Context, id uint64, lat, lon float64, status geofence.Status) (geofence.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return "", store.ErrNotFound
	}
	prev := e.Status
	e.Latitude = &lat
	e.Longitude = &lon
	e.Status = status
	e.UpdatedAt = time.Now().UTC()
	return prev, nil
}

func (s *Store) SetZone(ctx context.Context, id uint64, zoneId int, lat, lon float64, status geofence.Status) (geofence.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return "", store.ErrNotFound
	}
	prev := e.Status
	e.ZoneId = zoneId
	e.Latitude = &lat
	e.Longitude = &lon
	e.Status = status
	e.UpdatedAt = time.Now().UTC()
	return prev, nil
}

func (s *Store) ListEntities(ctx context.Context, role common.Role) ([]*store.Entity, error) {
	s.mu.Lock()
	out := make([]*store.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		if role == "" || e.Role == role {
			out = append(out, copyEntity(e))
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserId < out[j].UserId })
	return out, nil
}

func (s *Store) CreateIncident(ctx context.Context, in *store.Incident) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incSeq++
	cp := *in
	cp.Id = s.incSeq
	if cp.State == "" {
		cp.State = store.IncidentOpen
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.incidents[cp.Id] = &cp
	return cp.Id, nil
}

func (s *Store) GetIncident(ctx context.Context, id uint64) (*store.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.incidents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *in
	return &cp, nil
}

func (s *Store) ListIncidents(ctx context.Context, state string, limit int) ([]*store.Incident, error) {
	s.mu.Lock()
	out := make([]*store.Incident, 0)
	for _, in := range s.incidents {
		if state == "" || in.State == state {
			cp := *in
			out = append(out, &cp)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Id > out[j].Id })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) AcknowledgeIncident(ctx context.Context, id uint64, by string) (*store.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.incidents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !store.CanAcknowledge(in.State) {
		return nil, store.ErrInvalidState
	}
	now := time.Now().UTC()
	in.State = store.IncidentAcknowledged
	in.AcknowledgedBy = &by
	in.AcknowledgedAt = &now
	cp := *in
	return &cp, nil
}

func (s *Store) ResolveIncident(ctx context.Context, id uint64) (*store.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.incidents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !store.CanResolve(in.State) {
		return nil, store.ErrInvalidState
	}
	now := time.Now().UTC()
	in.State = store.IncidentResolved
	in.ResolvedAt = &now
	cp := *in
	return &cp, nil
}

func (s *Store) Put(rec store.HistoryRecord) {
	if s.history != nil {
		s.history.Put(rec)
	}
}

func copyEntity(e *store.Entity) *store.Entity {
	cp := *e
	if e.Latitude != nil {
		lat := *e.Latitude
		cp.Latitude = &lat
	}
	if e.Longitude != nil {
		lon := *e.Longitude
		cp.Longitude = &lon
	}
	return &cp
}
