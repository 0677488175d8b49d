package tracking

import (
	"context"
	"fmt"
	"time"

	"nuha.dev/safezone/internal/common"
	"nuha.dev/safezone/internal/events"
	"nuha.dev/safezone/internal/geofence"
	"nuha.dev/safezone/internal/push"
	"nuha.dev/safezone/internal/store"
)

type EntityView struct {
	EntityId     uint64          `json:"entity_id"`
	Name         string          `json:"name"`
	Role         common.Role     `json:"role"`
	TrackingCode string          `json:"tracking_code"`
	ZoneId       int             `json:"zone_id,omitempty"`
	ZoneName     string          `json:"zone_name,omitempty"`
	Latitude     *float64        `json:"latitude"`
	Longitude    *float64        `json:"longitude"`
	Status       geofence.Status `json:"status"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type StatusCounts struct {
	Total    int `json:"total"`
	Safe     int `json:"safe"`
	Critical int `json:"critical"`
	Unknown  int `json:"unknown"`
}

type Dashboard struct {
	Tourists      []EntityView `json:"tourists"`
	Guides        []EntityView `json:"guides"`
	Counts        StatusCounts `json:"counts"`
	OpenIncidents int          `json:"open_incidents"`
}

type MapData struct {
	Entity   EntityView     `json:"entity"`
	Geofence *geofence.Zone `json:"geofence"`
}

func (s *Service) view(e *store.Entity) EntityView {
	v := EntityView{
		EntityId:     e.UserId,
		Name:         e.Name,
		Role:         e.Role,
		TrackingCode: s.codes.encode(e.UserId),
		ZoneId:       e.ZoneId,
		Latitude:     e.Latitude,
		Longitude:    e.Longitude,
		Status:       e.Status,
		UpdatedAt:    e.UpdatedAt,
	}
	if z, err := s.zones.Get(e.ZoneId); err == nil {
		v.ZoneName = z.Name
	}
	return v
}

func (s *Service) Dashboard(ctx context.Context, caller *common.Identity) (*Dashboard, error) {
	if !caller.Is(common.RoleAdmin, common.RoleGuide) {
		return nil, ErrForbidden
	}
	tourists, err := s.store.ListEntities(ctx, common.RoleTourist)
	if err != nil {
		return nil, err
	}
	guides, err := s.store.ListEntities(ctx, common.RoleGuide)
	if err != nil {
		return nil, err
	}
	open, err := s.store.ListIncidents(ctx, store.IncidentOpen, 0)
	if err != nil {
		return nil, err
	}
	d := &Dashboard{Tourists: make([]EntityView, 0, len(tourists)), Guides: make([]EntityView, 0, len(guides)), OpenIncidents: len(open)}
	for _, e := range tourists {
		d.Tourists = append(d.Tourists, s.view(e))
		d.Counts.Total++
		switch e.Status {
		case geofence.Safe:
			d.Counts.Safe++
		case geofence.Critical:
			d.Counts.Critical++
		default:
			d.Counts.Unknown++
		}
	}
	for _, e := range guides {
		d.Guides = append(d.Guides, s.view(e))
	}
	return d, nil
}

// GuidePositions lists guides that have reported at least once.
func (s *Service) GuidePositions(ctx context.Context, caller *common.Identity) ([]EntityView, error) {
	guides, err := s.store.ListEntities(ctx, common.RoleGuide)
	if err != nil {
		return nil, err
	}
	out := make([]EntityView, 0, len(guides))
	for _, e := range guides {
		if e.Latitude == nil {
			continue
		}
		out = append(out, s.view(e))
	}
	return out, nil
}

// MapData returns an entity with its geofence. entityId 0 means the caller;
// a tracking code may be given instead of the id.
func (s *Service) MapData(ctx context.Context, caller *common.Identity, entityId uint64, code string) (*MapData, error) {
	if entityId == 0 && code != "" {
		id, ok := s.codes.decode(code)
		if !ok {
			return nil, fmt.Errorf("tracking code %q: %w", code, store.ErrNotFound)
		}
		entityId = id
	}
	if entityId == 0 {
		entityId = caller.UserId
	}
	if caller.Is(common.RoleTourist) && entityId != caller.UserId {
		return nil, fmt.Errorf("%w: tourists only see their own map", ErrForbidden)
	}
	e, err := s.store.GetEntity(ctx, entityId)
	if err != nil {
		return nil, fmt.Errorf("entity %d: %w", entityId, err)
	}
	m := &MapData{Entity: s.view(e)}
	if z, err := s.zones.Get(e.ZoneId); err == nil {
		m.Geofence = &z
	}
	return m, nil
}

func (s *Service) Zones() []geofence.Zone {
	return s.zones.List()
}

func (s *Service) Incidents(ctx context.Context, caller *common.Identity, state string, limit int) ([]*store.Incident, error) {
	if !caller.Is(common.RoleAdmin, common.RoleGuide) {
		return nil, ErrForbidden
	}
	return s.store.ListIncidents(ctx, state, limit)
}

func (s *Service) AcknowledgeIncident(ctx context.Context, caller *common.Identity, id uint64) (*store.Incident, error) {
	if !caller.Is(common.RoleAdmin) {
		return nil, ErrForbidden
	}
	in, err := s.store.AcknowledgeIncident(ctx, id, caller.Email)
	if err != nil {
		return nil, fmt.Errorf("incident %d: %w", id, err)
	}
	s.log.Info().Uint64("incident_id", id).Str("by", caller.Email).Msg("incident acknowledged")
	s.emitIncident(ctx, in, push.ActionIncidentAcknowledged)
	return in, nil
}

func (s *Service) ResolveIncident(ctx context.Context, caller *common.Identity, id uint64) (*store.Incident, error) {
	if !caller.Is(common.RoleAdmin) {
		return nil, ErrForbidden
	}
	in, err := s.store.ResolveIncident(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("incident %d: %w", id, err)
	}
	s.log.Info().Uint64("incident_id", id).Msg("incident resolved")
	s.emitIncident(ctx, in, push.ActionIncidentResolved)
	return in, nil
}

func (s *Service) emitIncident(ctx context.Context, in *store.Incident, action string) {
	s.emit(ctx, events.TopicStatusChanged, push.StatusChange{
		Type:       push.TypeStatusChange,
		EntityId:   in.EntityId,
		Action:     action,
		IncidentId: in.Id,
		Timestamp:  s.now().UTC(),
	})
}
