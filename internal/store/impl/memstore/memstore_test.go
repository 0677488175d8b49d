package memstore

import (
	"context"
	"errors"
	"testing"

	"nuha.dev/safezone/internal/common"
	"nuha.dev/safezone/internal/geofence"
	"nuha.dev/safezone/internal/store"
)

type historySink struct {
	recs []store.HistoryRecord
}

func (h *historySink) Put(rec store.HistoryRecord) {
	h.recs = append(h.recs, rec)
}

func TestUserDuplicateEmail(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	id, err := s.CreateUser(ctx, &store.User{Email: "a@demo.com", Role: common.RoleAdmin})
	if err != nil || id == 0 {
		t.Fatalf("CreateUser = %d, %v", id, err)
	}
	if _, err := s.CreateUser(ctx, &store.User{Email: "A@demo.com"}); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
	u, err := s.GetUserByEmail(ctx, "A@DEMO.com")
	if err != nil || u.Id != id {
		t.Fatalf("GetUserByEmail = %+v, %v", u, err)
	}
	if _, err := s.GetUser(ctx, 99); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdatePositionReturnsPrevious(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	_ = s.CreateEntity(ctx, &store.Entity{UserId: 4, Role: common.RoleTourist, ZoneId: 1, Status: geofence.Safe})

	prev, err := s.UpdatePosition(ctx, 4, 27.2, 78.1, geofence.Critical)
	if err != nil || prev != geofence.Safe {
		t.Fatalf("prev = %s, %v", prev, err)
	}
	prev, _ = s.UpdatePosition(ctx, 4, 27.2, 78.1, geofence.Critical)
	if prev != geofence.Critical {
		t.Fatalf("prev = %s, want Critical", prev)
	}
	e, _ := s.GetEntity(ctx, 4)
	if e.Latitude == nil || *e.Latitude != 27.2 {
		t.Fatalf("latitude not stored: %+v", e)
	}
	*e.Latitude = 0
	again, _ := s.GetEntity(ctx, 4)
	if *again.Latitude != 27.2 {
		t.Fatal("GetEntity leaked internal pointer")
	}
	if _, err := s.UpdatePosition(ctx, 5, 0, 0, geofence.Safe); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestListEntitiesByRole(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	_ = s.CreateEntity(ctx, &store.Entity{UserId: 2, Role: common.RoleTourist})
	_ = s.CreateEntity(ctx, &store.Entity{UserId: 1, Role: common.RoleTourist})
	_ = s.CreateEntity(ctx, &store.Entity{UserId: 3, Role: common.RoleGuide})
	list, _ := s.ListEntities(ctx, common.RoleTourist)
	if len(list) != 2 || list[0].UserId != 1 {
		t.Fatalf("list = %+v", list)
	}
	all, _ := s.ListEntities(ctx, "")
	if len(all) != 3 {
		t.Fatalf("all = %d", len(all))
	}
}

func TestIncidentLifecycle(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	id, _ := s.CreateIncident(ctx, &store.Incident{EntityId: 4, Kind: "geofence", Severity: "critical"})
	in, _ := s.GetIncident(ctx, id)
	if in.State != store.IncidentOpen {
		t.Fatalf("state = %s", in.State)
	}
	in, err := s.AcknowledgeIncident(ctx, id, "admin@demo.com")
	if err != nil || in.State != store.IncidentAcknowledged || *in.AcknowledgedBy != "admin@demo.com" {
		t.Fatalf("ack = %+v, %v", in, err)
	}
	if _, err := s.AcknowledgeIncident(ctx, id, "x"); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("second ack err = %v", err)
	}
	in, err = s.ResolveIncident(ctx, id)
	if err != nil || in.State != store.IncidentResolved || in.ResolvedAt == nil {
		t.Fatalf("resolve = %+v, %v", in, err)
	}
	if _, err := s.ResolveIncident(ctx, id); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("second resolve err = %v", err)
	}
}

func TestListIncidentsNewestFirst(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = s.CreateIncident(ctx, &store.Incident{EntityId: uint64(i)})
	}
	_, _ = s.ResolveIncident(ctx, 2)
	list, _ := s.ListIncidents(ctx, store.IncidentOpen, 3)
	if len(list) != 3 || list[0].Id != 5 || list[2].Id != 3 {
		t.Fatalf("list ids wrong: %d", len(list))
	}
	all, _ := s.ListIncidents(ctx, "", 0)
	if len(all) != 5 {
		t.Fatalf("all = %d", len(all))
	}
}

func TestHistoryForwarded(t *testing.T) {
	h := &historySink{}
	s := New(h)
	s.Put(store.HistoryRecord{EntityId: 1})
	if len(h.recs) != 1 {
		t.Fatal("history not forwarded")
	}
	New(nil).Put(store.HistoryRecord{})
}

func TestListUsersAndSetActive(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	_, _ = s.CreateUser(ctx, &store.User{Email: "b@demo.com", Active: true})
	id, _ := s.CreateUser(ctx, &store.User{Email: "a@demo.com", Active: true})
	if err := s.SetUserActive(ctx, id, false); err != nil {
		t.Fatal(err)
	}
	list, _ := s.ListUsers(ctx)
	if len(list) != 2 || list[0].Email != "b@demo.com" || list[1].Active {
		t.Fatalf("users = %+v %+v", list[0], list[1])
	}
	if err := s.SetUserActive(ctx, 99, true); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}
