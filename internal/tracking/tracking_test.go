package tracking

import (
	"context"
	"errors"
	"math"
	"testing"

	"nuha.dev/safezone/internal/common"
	"nuha.dev/safezone/internal/events"
	"nuha.dev/safezone/internal/geofence"
	"nuha.dev/safezone/internal/push"
	"nuha.dev/safezone/internal/store"
	"nuha.dev/safezone/internal/store/impl/memstore"
)

type emitted struct {
	topic string
	body  interface{}
}

type fakeBus struct {
	got []emitted
}

func (f *fakeBus) Emit(ctx context.Context, topic string, body interface{}) error {
	f.got = append(f.got, emitted{topic, body})
	return nil
}

func (f *fakeBus) topics() []string {
	out := make([]string, len(f.got))
	for i, e := range f.got {
		out[i] = e.topic
	}
	return out
}

type history struct {
	n int
}

func (h *history) Put(rec store.HistoryRecord) { h.n++ }

var (
	admin    = &common.Identity{UserId: 1, Email: "admin@demo.com", Name: "Admin", Role: common.RoleAdmin}
	tourist  = &common.Identity{UserId: 2, Email: "tourist@demo.com", Name: "Tourist", Role: common.RoleTourist}
	guide    = &common.Identity{UserId: 3, Email: "guide@demo.com", Name: "Guide", Role: common.RoleGuide}
	tourist2 = &common.Identity{UserId: 4, Email: "t2@demo.com", Name: "Other", Role: common.RoleTourist}
)

func newService(t *testing.T) (*Service, *memstore.Store, *fakeBus, *history) {
	t.Helper()
	h := &history{}
	st := memstore.New(h)
	fb := &fakeBus{}
	s, err := NewService(st, geofence.Default(), fb, &Config{CodeSalt: "test"})
	if err != nil {
		t.Fatal(err)
	}
	return s, st, fb, h
}

func TestSubmitLocationInside(t *testing.T) {
	s, st, fb, h := newService(t)
	ctx := context.Background()
	out, err := s.SubmitLocation(ctx, tourist, SubmitRequest{Latitude: 27.1751, Longitude: 78.0430})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != geofence.Safe || !out.InsideFence || out.Distance < 80 || out.Distance > 100 {
		t.Fatalf("outcome = %+v", out)
	}
	e, _ := st.GetEntity(ctx, tourist.UserId)
	if e.Status != geofence.Safe || *e.Latitude != 27.1751 {
		t.Fatalf("entity = %+v", e)
	}
	if h.n != 1 {
		t.Fatalf("history records = %d", h.n)
	}
	// Unknown -> Safe is a status change
	if got := fb.topics(); len(got) != 2 || got[0] != events.TopicLocationUpdated || got[1] != events.TopicStatusChanged {
		t.Fatalf("topics = %v", got)
	}
	lu := fb.got[0].body.(push.LocationUpdate)
	if lu.EntityId != 2 || lu.TrackingCode == "" || lu.Status != geofence.Safe {
		t.Fatalf("location update = %+v", lu)
	}
	sc := fb.got[1].body.(push.StatusChange)
	if sc.Action != push.ActionEnteredZone || sc.IncidentId != 0 {
		t.Fatalf("status change = %+v", sc)
	}
}

func TestIncidentOnlyOnTransitionToCritical(t *testing.T) {
	s, st, fb, _ := newService(t)
	ctx := context.Background()
	req := SubmitRequest{Latitude: 27.20, Longitude: 78.10}
	out, err := s.SubmitLocation(ctx, tourist, req)
	if err != nil || out.Status != geofence.Critical || out.InsideFence {
		t.Fatalf("outcome = %+v, %v", out, err)
	}
	if _, err := s.SubmitLocation(ctx, tourist, req); err != nil {
		t.Fatal(err)
	}
	list, _ := st.ListIncidents(ctx, "", 0)
	if len(list) != 1 {
		t.Fatalf("incidents = %d, want 1", len(list))
	}
	if list[0].Kind != IncidentKindGeofence || list[0].Severity != SeverityCritical || list[0].EntityId != 2 {
		t.Fatalf("incident = %+v", list[0])
	}
	// location, status, location
	if got := fb.topics(); len(got) != 3 {
		t.Fatalf("topics = %v", got)
	}
	sc := fb.got[1].body.(push.StatusChange)
	if sc.Action != push.ActionLeftZone || sc.IncidentId != list[0].Id {
		t.Fatalf("status change = %+v", sc)
	}

	// back inside, then out again opens a second incident
	_, _ = s.SubmitLocation(ctx, tourist, SubmitRequest{Latitude: 27.1751, Longitude: 78.0421})
	_, _ = s.SubmitLocation(ctx, tourist, req)
	list, _ = st.ListIncidents(ctx, "", 0)
	if len(list) != 2 {
		t.Fatalf("incidents = %d, want 2", len(list))
	}
}

func TestSubmitLocationErrorsAreDistinct(t *testing.T) {
	s, _, fb, _ := newService(t)
	ctx := context.Background()
	cases := []struct {
		name   string
		caller *common.Identity
		req    SubmitRequest
		want   error
	}{
		{"admin", admin, SubmitRequest{Latitude: 1, Longitude: 1}, ErrForbidden},
		{"guide", guide, SubmitRequest{Latitude: 1, Longitude: 1}, ErrForbidden},
		{"other entity", tourist, SubmitRequest{EntityId: 4, Latitude: 1, Longitude: 1}, ErrForbidden},
		{"latitude", tourist, SubmitRequest{Latitude: 91, Longitude: 1}, geofence.ErrInvalidCoordinate},
		{"longitude", tourist, SubmitRequest{Latitude: 1, Longitude: -181}, geofence.ErrInvalidCoordinate},
	}
	for _, c := range cases {
		_, err := s.SubmitLocation(ctx, c.caller, c.req)
		if !errors.Is(err, c.want) {
			t.Errorf("%s: err = %v, want %v", c.name, err, c.want)
		}
		if errors.Is(err, ErrForbidden) && errors.Is(err, geofence.ErrInvalidCoordinate) {
			t.Errorf("%s: error is both forbidden and invalid", c.name)
		}
	}
	if len(fb.got) != 0 {
		t.Fatalf("rejected reports emitted %v", fb.topics())
	}
}

func TestSubmitLocationOwnEntityId(t *testing.T) {
	s, _, _, _ := newService(t)
	if _, err := s.SubmitLocation(context.Background(), tourist, SubmitRequest{EntityId: 2, Latitude: 27.1751, Longitude: 78.0421}); err != nil {
		t.Fatal(err)
	}
}

func TestUnknownZoneGivesUnknown(t *testing.T) {
	s, st, _, _ := newService(t)
	ctx := context.Background()
	_ = st.CreateEntity(ctx, &store.Entity{UserId: 2, Role: common.RoleTourist, ZoneId: 99, Status: geofence.Unknown})
	out, err := s.SubmitLocation(ctx, tourist, SubmitRequest{Latitude: 27.1751, Longitude: 78.0421})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != geofence.Unknown {
		t.Fatalf("status = %s, want Unknown", out.Status)
	}
}

func TestSubmitGuideLocation(t *testing.T) {
	s, st, fb, _ := newService(t)
	ctx := context.Background()
	if _, err := s.SubmitGuideLocation(ctx, tourist, 1, 1); !errors.Is(err, ErrForbidden) {
		t.Fatalf("tourist err = %v", err)
	}
	if _, err := s.SubmitGuideLocation(ctx, guide, 100, 1); !errors.Is(err, geofence.ErrInvalidCoordinate) {
		t.Fatalf("invalid err = %v", err)
	}
	out, err := s.SubmitGuideLocation(ctx, guide, 28.6, 77.2)
	if err != nil || out.Status != geofence.Unknown {
		t.Fatalf("out = %+v, %v", out, err)
	}
	e, _ := st.GetEntity(ctx, guide.UserId)
	if e.Role != common.RoleGuide || e.ZoneId != 0 || *e.Longitude != 77.2 {
		t.Fatalf("entity = %+v", e)
	}
	if len(fb.got) != 1 || fb.got[0].topic != events.TopicGuideLocationUpdated {
		t.Fatalf("topics = %v", fb.topics())
	}
	g := fb.got[0].body.(push.GuideLocationUpdate)
	if g.GuideId != 3 || g.Name != "Guide" {
		t.Fatalf("guide update = %+v", g)
	}
}

func TestChangeZone(t *testing.T) {
	s, st, _, _ := newService(t)
	ctx := context.Background()
	if _, err := s.ChangeZone(ctx, tourist, 0, 42); !errors.Is(err, geofence.ErrUnknownZone) {
		t.Fatalf("err = %v", err)
	}
	if _, err := s.ChangeZone(ctx, tourist, 4, 2); !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v", err)
	}
	if _, err := s.ChangeZone(ctx, admin, 0, 2); !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v", err)
	}
	out, err := s.ChangeZone(ctx, tourist, 0, 2)
	if err != nil || out.Status != geofence.Safe || out.Distance != 0 {
		t.Fatalf("out = %+v, %v", out, err)
	}
	e, _ := st.GetEntity(ctx, tourist.UserId)
	if e.ZoneId != 2 || *e.Latitude != 28.6562 {
		t.Fatalf("entity = %+v", e)
	}
}

func TestDashboardAndQueries(t *testing.T) {
	s, _, _, _ := newService(t)
	ctx := context.Background()
	_, _ = s.SubmitLocation(ctx, tourist, SubmitRequest{Latitude: 27.1751, Longitude: 78.0421})
	_, _ = s.SubmitLocation(ctx, tourist2, SubmitRequest{Latitude: 27.3, Longitude: 78.0421})
	_, _ = s.SubmitGuideLocation(ctx, guide, 27.17, 78.04)

	if _, err := s.Dashboard(ctx, tourist); !errors.Is(err, ErrForbidden) {
		t.Fatalf("tourist dashboard err = %v", err)
	}
	d, err := s.Dashboard(ctx, admin)
	if err != nil {
		t.Fatal(err)
	}
	if d.Counts != (StatusCounts{Total: 2, Safe: 1, Critical: 1}) || d.OpenIncidents != 1 || len(d.Guides) != 1 {
		t.Fatalf("dashboard = %+v", d)
	}
	if d.Tourists[0].ZoneName != "Taj Mahal, Agra" {
		t.Fatalf("zone name = %q", d.Tourists[0].ZoneName)
	}

	gp, err := s.GuidePositions(ctx, tourist)
	if err != nil || len(gp) != 1 || gp[0].EntityId != 3 {
		t.Fatalf("guides = %+v, %v", gp, err)
	}

	if _, err := s.MapData(ctx, tourist, 4, ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("map other err = %v", err)
	}
	m, err := s.MapData(ctx, tourist, 0, "")
	if err != nil || m.Entity.EntityId != 2 || m.Geofence == nil || m.Geofence.Radius != 500 {
		t.Fatalf("map = %+v, %v", m, err)
	}
	m, err = s.MapData(ctx, admin, 0, d.Tourists[1].TrackingCode)
	if err != nil || m.Entity.EntityId != 4 {
		t.Fatalf("map by code = %+v, %v", m, err)
	}
	if _, err := s.MapData(ctx, admin, 77, ""); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("map missing err = %v", err)
	}
	if len(s.Zones()) != 7 {
		t.Fatal("zones")
	}
}

func TestIncidentWorkflow(t *testing.T) {
	s, _, fb, _ := newService(t)
	ctx := context.Background()
	_, _ = s.SubmitLocation(ctx, tourist, SubmitRequest{Latitude: 27.3, Longitude: 78.0421})
	list, err := s.Incidents(ctx, admin, store.IncidentOpen, 10)
	if err != nil || len(list) != 1 {
		t.Fatalf("incidents = %v, %v", list, err)
	}
	id := list[0].Id
	if _, err := s.AcknowledgeIncident(ctx, guide, id); !errors.Is(err, ErrForbidden) {
		t.Fatalf("guide ack err = %v", err)
	}
	fb.got = nil
	in, err := s.AcknowledgeIncident(ctx, admin, id)
	if err != nil || in.State != store.IncidentAcknowledged {
		t.Fatalf("ack = %+v, %v", in, err)
	}
	if _, err := s.AcknowledgeIncident(ctx, admin, id); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("second ack err = %v", err)
	}
	in, err = s.ResolveIncident(ctx, admin, id)
	if err != nil || in.State != store.IncidentResolved {
		t.Fatalf("resolve = %+v, %v", in, err)
	}
	if _, err := s.ResolveIncident(ctx, admin, 999); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing err = %v", err)
	}
	if len(fb.got) != 2 {
		t.Fatalf("topics = %v", fb.topics())
	}
	if a := fb.got[1].body.(push.StatusChange).Action; a != push.ActionIncidentResolved {
		t.Fatalf("action = %s", a)
	}
	if _, err := s.Incidents(ctx, tourist, "", 0); !errors.Is(err, ErrForbidden) {
		t.Fatalf("tourist incidents err = %v", err)
	}
}

func TestCodecRoundTrip(t *testing.T) {
	c, err := newCodec("salt")
	if err != nil {
		t.Fatal(err)
	}
	code := c.encode(12345)
	if len(code) < codeMinLength {
		t.Fatalf("code %q too short", code)
	}
	id, ok := c.decode(code)
	if !ok || id != 12345 {
		t.Fatalf("decode = %d, %v", id, ok)
	}
	other, _ := newCodec("pepper")
	if other.encode(12345) == code {
		t.Fatal("salt has no effect")
	}
}

func memstoreForTest() store.Store {
	return memstore.New(nil)
}

func defaultZones() *geofence.Catalog {
	return geofence.Default()
}

func TestAntipodalReportEncodes(t *testing.T) {
	zones, err := geofence.NewCatalog([]geofence.Zone{{Id: 1, Name: "Equator", Lat: 0.02, Lon: 10, Radius: 500}})
	if err != nil {
		t.Fatal(err)
	}
	fb := &fakeBus{}
	s, err := NewService(memstore.New(&history{}), zones, fb, &Config{CodeSalt: "test"})
	if err != nil {
		t.Fatal(err)
	}
	out, err := s.SubmitLocation(context.Background(), tourist, SubmitRequest{Latitude: -0.02, Longitude: -170})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != geofence.Critical || math.IsNaN(out.Distance) {
		t.Fatalf("outcome = %+v", out)
	}
	for _, e := range fb.got {
		if _, err := push.Encode(e.body); err != nil {
			t.Fatalf("%s does not encode: %v", e.topic, err)
		}
	}
}
