package webapp

import (
	"context"
	"time"

	"nuha.dev/safezone/internal/auth"
	"nuha.dev/safezone/internal/common"
	"nuha.dev/safezone/internal/geofence"
	"nuha.dev/safezone/internal/store"
	"nuha.dev/safezone/internal/tracking"
)

// TrackingApi adapts the tracking service to dispatcher functions.
type TrackingApi struct {
	svc *tracking.Service
}

func NewTrackingApi(svc *tracking.Service) *TrackingApi {
	return &TrackingApi{svc: svc}
}

func (t *TrackingApi) Register(disp *Dispatcher) {
	disp.Add("Me", t.Me)
	disp.Add("SubmitLocation", t.SubmitLocation, common.RoleTourist)
	disp.Add("SubmitGuideLocation", t.SubmitGuideLocation, common.RoleGuide)
	disp.Add("ChangeZone", t.ChangeZone, common.RoleTourist)
	disp.Add("GetZones", t.GetZones)
	disp.Add("GetDashboard", t.GetDashboard, common.RoleAdmin, common.RoleGuide)
	disp.Add("GetGuidePositions", t.GetGuidePositions)
	disp.Add("GetMapData", t.GetMapData)
	disp.Add("GetIncidents", t.GetIncidents, common.RoleAdmin, common.RoleGuide)
	disp.Add("AcknowledgeIncident", t.AcknowledgeIncident, common.RoleAdmin)
	disp.Add("ResolveIncident", t.ResolveIncident, common.RoleAdmin)
}

type MeResponse struct {
	UserId     uint64      `json:"user_id"`
	Email      string      `json:"email"`
	Name       string      `json:"name"`
	Role       common.Role `json:"role"`
	ValidUntil time.Time   `json:"valid_until"`
}

func (t *TrackingApi) Me(ctx context.Context, res *MeResponse) error {
	id := auth.FromContext(ctx)
	*res = MeResponse{UserId: id.UserId, Email: id.Email, Name: id.Name, Role: id.Role, ValidUntil: id.ValidUntil}
	return nil
}

type SubmitLocationRequest struct {
	EntityId  uint64   `json:"entity_id"`
	Latitude  *float64 `json:"latitude" validate:"required"`
	Longitude *float64 `json:"longitude" validate:"required"`
}

func (t *TrackingApi) SubmitLocation(ctx context.Context, req *SubmitLocationRequest, res *tracking.Outcome) error {
	out, err := t.svc.SubmitLocation(ctx, auth.FromContext(ctx), tracking.SubmitRequest{
		EntityId:  req.EntityId,
		Latitude:  *req.Latitude,
		Longitude: *req.Longitude,
	})
	if err != nil {
		return err
	}
	*res = *out
	return nil
}

type GuideLocationRequest struct {
	Latitude  *float64 `json:"latitude" validate:"required"`
	Longitude *float64 `json:"longitude" validate:"required"`
}

func (t *TrackingApi) SubmitGuideLocation(ctx context.Context, req *GuideLocationRequest, res *tracking.Outcome) error {
	out, err := t.svc.SubmitGuideLocation(ctx, auth.FromContext(ctx), *req.Latitude, *req.Longitude)
	if err != nil {
		return err
	}
	*res = *out
	return nil
}

type ChangeZoneRequest struct {
	EntityId uint64 `json:"entity_id"`
	ZoneId   int    `json:"zone_id" validate:"required,gt=0"`
}

func (t *TrackingApi) ChangeZone(ctx context.Context, req *ChangeZoneRequest, res *tracking.Outcome) error {
	out, err := t.svc.ChangeZone(ctx, auth.FromContext(ctx), req.EntityId, req.ZoneId)
	if err != nil {
		return err
	}
	*res = *out
	return nil
}

func (t *TrackingApi) GetZones(ctx context.Context, res *[]geofence.Zone) error {
	*res = t.svc.Zones()
	return nil
}

func (t *TrackingApi) GetDashboard(ctx context.Context, res *tracking.Dashboard) error {
	d, err := t.svc.Dashboard(ctx, auth.FromContext(ctx))
	if err != nil {
		return err
	}
	*res = *d
	return nil
}

func (t *TrackingApi) GetGuidePositions(ctx context.Context, res *[]tracking.EntityView) error {
	list, err := t.svc.GuidePositions(ctx, auth.FromContext(ctx))
	if err != nil {
		return err
	}
	*res = list
	return nil
}

type MapDataRequest struct {
	EntityId     uint64 `json:"entity_id"`
	TrackingCode string `json:"tracking_code" validate:"omitempty,alphanum"`
}

func (t *TrackingApi) GetMapData(ctx context.Context, req *MapDataRequest, res *tracking.MapData) error {
	m, err := t.svc.MapData(ctx, auth.FromContext(ctx), req.EntityId, req.TrackingCode)
	if err != nil {
		return err
	}
	*res = *m
	return nil
}

type IncidentView struct {
	Id             uint64     `json:"id"`
	EntityId       uint64     `json:"entity_id"`
	Kind           string     `json:"kind"`
	Severity       string     `json:"severity"`
	State          string     `json:"state"`
	Latitude       float64    `json:"latitude"`
	Longitude      float64    `json:"longitude"`
	CreatedAt      time.Time  `json:"created_at"`
	AcknowledgedBy *string    `json:"acknowledged_by"`
	AcknowledgedAt *time.Time `json:"acknowledged_at"`
	ResolvedAt     *time.Time `json:"resolved_at"`
}

func incidentView(in *store.Incident) IncidentView {
	return IncidentView{
		Id:             in.Id,
		EntityId:       in.EntityId,
		Kind:           in.Kind,
		Severity:       in.Severity,
		State:          in.State,
		Latitude:       in.Latitude,
		Longitude:      in.Longitude,
		CreatedAt:      in.CreatedAt,
		AcknowledgedBy: in.AcknowledgedBy,
		AcknowledgedAt: in.AcknowledgedAt,
		ResolvedAt:     in.ResolvedAt,
	}
}

type IncidentsRequest struct {
	State string `json:"state" validate:"omitempty,oneof=open acknowledged resolved"`
	Limit int    `json:"limit" validate:"gte=0,lte=1000"`
}

func (t *TrackingApi) GetIncidents(ctx context.Context, req *IncidentsRequest, res *[]IncidentView) error {
	list, err := t.svc.Incidents(ctx, auth.FromContext(ctx), req.State, req.Limit)
	if err != nil {
		return err
	}
	out := make([]IncidentView, 0, len(list))
	for _, in := range list {
		out = append(out, incidentView(in))
	}
	*res = out
	return nil
}

type IncidentRequest struct {
	IncidentId uint64 `json:"incident_id" validate:"required"`
}

func (t *TrackingApi) AcknowledgeIncident(ctx context.Context, req *IncidentRequest, res *IncidentView) error {
	in, err := t.svc.AcknowledgeIncident(ctx, auth.FromContext(ctx), req.IncidentId)
	if err != nil {
		return err
	}
	*res = incidentView(in)
	return nil
}

func (t *TrackingApi) ResolveIncident(ctx context.Context, req *IncidentRequest, res *IncidentView) error {
	in, err := t.svc.ResolveIncident(ctx, auth.FromContext(ctx), req.IncidentId)
	if err != nil {
		return err
	}
	*res = incidentView(in)
	return nil
}
