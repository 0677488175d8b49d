// Package tracking turns location reports into zone status, persists them
// and hands the resulting updates to the event bus.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/safezone/internal/common"
	"nuha.dev/safezone/internal/events"
	"nuha.dev/safezone/internal/geofence"
	"nuha.dev/safezone/internal/push"
	"nuha.dev/safezone/internal/store"
)

var ErrForbidden = errors.New("forbidden")

const (
	IncidentKindGeofence = "geofence"
	SeverityCritical     = "critical"
)

// Emitter is the part of the event bus the service publishes to.
type Emitter interface {
	Emit(ctx context.Context, topic string, body interface{}) error
}

type Config struct {
	CodeSalt string
}

type Service struct {
	store store.Store
	zones *geofence.Catalog
	bus   Emitter
	codes *codec
	log   log.Logger
	now   func() time.Time
}

func NewService(st store.Store, zones *geofence.Catalog, bus Emitter, config *Config) (*Service, error) {
	c, err := newCodec(config.CodeSalt)
	if err != nil {
		return nil, fmt.Errorf("tracking code codec: %w", err)
	}
	s := &Service{store: st, zones: zones, bus: bus, codes: c, now: time.Now}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "tracking").Value()
	return s, nil
}

type SubmitRequest struct {
	EntityId  uint64
	Latitude  float64
	Longitude float64
}

type Outcome struct {
	Status      geofence.Status `json:"status"`
	InsideFence bool            `json:"inside_fence"`
	Distance    float64         `json:"distance_m"`
}

// EnsureEntity creates the tracked entity for a tourist or guide user when
// it does not exist yet. Tourists start in the first catalog zone.
func (s *Service) EnsureEntity(ctx context.Context, u *common.Identity) (*store.Entity, error) {
	e, err := s.store.GetEntity(ctx, u.UserId)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if !u.Is(common.RoleTourist, common.RoleGuide) {
		return nil, ErrForbidden
	}
	e = &store.Entity{UserId: u.UserId, Role: u.Role, Name: u.Name, Status: geofence.Unknown, UpdatedAt: s.now().UTC()}
	if u.Role == common.RoleTourist {
		e.ZoneId = s.zones.First().Id
	}
	err = s.store.CreateEntity(ctx, e)
	if errors.Is(err, store.ErrDuplicate) {
		return s.store.GetEntity(ctx, u.UserId)
	}
	if err != nil {
		return nil, err
	}
	s.log.Info().Uint64("entity_id", e.UserId).Str("role", string(e.Role)).Int("zone_id", e.ZoneId).Msg("entity created")
	return e, nil
}

// evaluate applies the zone rule: no zone means Unknown.
func (s *Service) evaluate(p geofence.Point, zoneId int) (geofence.Status, geofence.Result) {
	z, err := s.zones.Get(zoneId)
	if err != nil {
		return geofence.Unknown, geofence.Result{}
	}
	r := geofence.Evaluate(p, z)
	return geofence.Classify(r), r
}

func (s *Service) SubmitLocation(ctx context.Context, caller *common.Identity, req SubmitRequest) (*Outcome, error) {
	if !caller.Is(common.RoleTourist) {
		return nil, fmt.Errorf("%w: only tourists submit locations", ErrForbidden)
	}
	if req.EntityId != 0 && req.EntityId != caller.UserId {
		return nil, fmt.Errorf("%w: entity %d belongs to another user", ErrForbidden, req.EntityId)
	}
	p, err := geofence.NewPoint(req.Latitude, req.Longitude)
	if err != nil {
		return nil, err
	}
	e, err := s.EnsureEntity(ctx, caller)
	if err != nil {
		return nil, err
	}
	status, res := s.evaluate(p, e.ZoneId)
	if status == geofence.Unknown {
		s.log.Warn().Uint64("entity_id", e.UserId).Int("zone_id", e.ZoneId).Msg("entity has no valid zone")
	}
	prev, err := s.store.UpdatePosition(ctx, e.UserId, p.Latitude, p.Longitude, status)
	if err != nil {
		return nil, fmt.Errorf("update position: %w", err)
	}
	s.record(ctx, e, p, status, prev, res)
	return &Outcome{Status: status, InsideFence: res.Inside, Distance: res.Distance}, nil
}

// record runs everything after the position write: history, incident,
// notifications. Failures here are logged and do not fail the report.
func (s *Service) record(ctx context.Context, e *store.Entity, p geofence.Point, status, prev geofence.Status, res geofence.Result) {
	t := s.now().UTC()
	s.store.Put(store.HistoryRecord{EntityId: e.UserId, Latitude: p.Latitude, Longitude: p.Longitude, Status: status, ServerTime: t})

	var incidentId uint64
	if status == geofence.Critical && prev != geofence.Critical {
		var err error
		incidentId, err = s.store.CreateIncident(ctx, &store.Incident{
			EntityId:  e.UserId,
			Kind:      IncidentKindGeofence,
			Severity:  SeverityCritical,
			Latitude:  p.Latitude,
			Longitude: p.Longitude,
		})
		if err != nil {
			s.log.Error().Err(err).Uint64("entity_id", e.UserId).Msg("create incident")
		} else {
			s.log.Info().Uint64("entity_id", e.UserId).Uint64("incident_id", incidentId).Float64("distance_m", res.Distance).Msg("entity left zone")
		}
	}

	s.emit(ctx, events.TopicLocationUpdated, push.LocationUpdate{
		Type:         push.TypeLocationUpdate,
		EntityId:     e.UserId,
		Name:         e.Name,
		TrackingCode: s.codes.encode(e.UserId),
		Latitude:     p.Latitude,
		Longitude:    p.Longitude,
		Status:       status,
		InsideFence:  res.Inside,
		Distance:     res.Distance,
		Timestamp:    t,
	})

	if action := transition(prev, status); action != "" {
		s.emit(ctx, events.TopicStatusChanged, push.StatusChange{
			Type:       push.TypeStatusChange,
			EntityId:   e.UserId,
			Action:     action,
			Status:     status,
			IncidentId: incidentId,
			Timestamp:  t,
		})
	}
}

func transition(prev, next geofence.Status) string {
	if prev == next {
		return ""
	}
	switch next {
	case geofence.Critical:
		return push.ActionLeftZone
	case geofence.Safe:
		return push.ActionEnteredZone
	}
	return ""
}

func (s *Service) emit(ctx context.Context, topic string, body interface{}) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Emit(ctx, topic, body); err != nil {
		s.log.Error().Err(err).Str("topic", topic).Msg("emit failed")
	}
}

func (s *Service) SubmitGuideLocation(ctx context.Context, caller *common.Identity, lat, lon float64) (*Outcome, error) {
	if !caller.Is(common.RoleGuide) {
		return nil, fmt.Errorf("%w: only guides submit guide locations", ErrForbidden)
	}
	p, err := geofence.NewPoint(lat, lon)
	if err != nil {
		return nil, err
	}
	e, err := s.EnsureEntity(ctx, caller)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.UpdatePosition(ctx, e.UserId, p.Latitude, p.Longitude, geofence.Unknown); err != nil {
		return nil, fmt.Errorf("update position: %w", err)
	}
	t := s.now().UTC()
	s.store.Put(store.HistoryRecord{EntityId: e.UserId, Latitude: p.Latitude, Longitude: p.Longitude, Status: geofence.Unknown, ServerTime: t})
	s.emit(ctx, events.TopicGuideLocationUpdated, push.GuideLocationUpdate{
		Type:      push.TypeGuideLocationUpdate,
		GuideId:   e.UserId,
		Name:      e.Name,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Timestamp: t,
	})
	return &Outcome{Status: geofence.Unknown}, nil
}

// ChangeZone assigns a new zone and moves the entity to its center.
func (s *Service) ChangeZone(ctx context.Context, caller *common.Identity, entityId uint64, zoneId int) (*Outcome, error) {
	if !caller.Is(common.RoleTourist) {
		return nil, fmt.Errorf("%w: only tourists change zone", ErrForbidden)
	}
	if entityId != 0 && entityId != caller.UserId {
		return nil, fmt.Errorf("%w: entity %d belongs to another user", ErrForbidden, entityId)
	}
	z, err := s.zones.Get(zoneId)
	if err != nil {
		return nil, err
	}
	e, err := s.EnsureEntity(ctx, caller)
	if err != nil {
		return nil, err
	}
	p := z.Center()
	res := geofence.Evaluate(p, z)
	status := geofence.Classify(res)
	prev, err := s.store.SetZone(ctx, e.UserId, z.Id, p.Latitude, p.Longitude, status)
	if err != nil {
		return nil, fmt.Errorf("set zone: %w", err)
	}
	s.log.Info().Uint64("entity_id", e.UserId).Int("from", e.ZoneId).Int("to", z.Id).Msg("zone changed")
	s.record(ctx, e, p, status, prev, res)
	return &Outcome{Status: status, InsideFence: res.Inside, Distance: res.Distance}, nil
}
