package store

import (
	"context"
	"errors"
	"time"

	"nuha.dev/safezone/internal/common"
	"nuha.dev/safezone/internal/geofence"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicate    = errors.New("already exists")
	ErrInvalidState = errors.New("invalid state transition")
)

type User struct {
	Id           uint64
	Email        string
	PasswordHash string
	FullName     string
	Role         common.Role
	Active       bool
	CreatedAt    time.Time
}

// Entity is a tracked tourist or guide. Latitude and Longitude are nil until
// the first accepted report.
type Entity struct {
	UserId    uint64
	Role      common.Role
	Name      string
	ZoneId    int
	Latitude  *float64
	Longitude *float64
	Status    geofence.Status
	UpdatedAt time.Time
}

const (
	IncidentOpen         = "open"
	IncidentAcknowledged = "acknowledged"
	IncidentResolved     = "resolved"
)

type Incident struct {
	Id             uint64
	EntityId       uint64
	Kind           string
	Severity       string
	State          string
	Latitude       float64
	Longitude      float64
	CreatedAt      time.Time
	AcknowledgedBy *string
	AcknowledgedAt *time.Time
	ResolvedAt     *time.Time
}

type HistoryRecord struct {
	EntityId   uint64
	Latitude   float64
	Longitude  float64
	Status     geofence.Status
	ServerTime time.Time
}

type UserStore interface {
	CreateUser(ctx context.Context, u *User) (uint64, error)
	GetUser(ctx context.Context, id uint64) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)
	SetUserActive(ctx context.Context, id uint64, active bool) error
}

type EntityStore interface {
	CreateEntity(ctx context.Context, e *Entity) error
	GetEntity(ctx context.Context, id uint64) (*Entity, error)
	// UpdatePosition overwrites the position and status and returns the
	// status held before the write. Concurrent writers: last one wins.
	UpdatePosition(ctx context.Context, id uint64, lat, lon float64, status geofence.Status) (geofence.Status, error)
	SetZone(ctx context.Context, id uint64, zoneId int, lat, lon float64, status geofence.Status) (geofence.Status, error)
	ListEntities(ctx context.Context, role common.Role) ([]*Entity, error)
}

type IncidentStore interface {
	CreateIncident(ctx context.Context, in *Incident) (uint64, error)
	GetIncident(ctx context.Context, id uint64) (*Incident, error)
	// ListIncidents returns newest first; empty state means any state.
	ListIncidents(ctx context.Context, state string, limit int) ([]*Incident, error)
	AcknowledgeIncident(ctx context.Context, id uint64, by string) (*Incident, error)
	ResolveIncident(ctx context.Context, id uint64) (*Incident, error)
}

// HistoryStore takes location history without blocking the caller.
type HistoryStore interface {
	Put(rec HistoryRecord)
}

type Store interface {
	UserStore
	EntityStore
	IncidentStore
	HistoryStore
}

// CanAcknowledge and CanResolve hold the incident state rules shared by the
// store implementations.
func CanAcknowledge(state string) bool {
	return state == IncidentOpen
}

func CanResolve(state string) bool {
	return state == IncidentOpen || state == IncidentAcknowledged
}
