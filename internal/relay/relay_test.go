package relay

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"nuha.dev/safezone/internal/events"
	"nuha.dev/safezone/internal/geofence"
	"nuha.dev/safezone/internal/push"
)

type fakePub struct {
	mu   sync.Mutex
	subj []string
	data [][]byte
	err  error
}

func (f *fakePub) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subj = append(f.subj, subject)
	f.data = append(f.data, data)
	return f.err
}

type sink struct {
	msgs []events.Message
}

func (s *sink) handle(ctx context.Context, topic string, m events.Message) {
	s.msgs = append(s.msgs, m)
}

func setup(t *testing.T) (*Relay, *fakePub, *events.Bus, *sink) {
	t.Helper()
	bus, err := events.New(1)
	if err != nil {
		t.Fatal(err)
	}
	pub := &fakePub{}
	r := New(pub, bus, &Config{Instance: "a"})
	r.Attach()
	s := &sink{}
	bus.Subscribe("sink", s.handle)
	return r, pub, bus, s
}

func TestLocalEventsArePublished(t *testing.T) {
	_, pub, bus, _ := setup(t)
	upd := push.LocationUpdate{Type: push.TypeLocationUpdate, EntityId: 2, Status: geofence.Critical}
	if err := bus.Emit(context.Background(), events.TopicLocationUpdated, upd); err != nil {
		t.Fatal(err)
	}
	if len(pub.data) != 1 || pub.subj[0] != "safezone.events" {
		t.Fatalf("published %d on %v", len(pub.data), pub.subj)
	}
	var env envelope
	if err := json.Unmarshal(pub.data[0], &env); err != nil {
		t.Fatal(err)
	}
	if env.Origin != "a" || env.Topic != events.TopicLocationUpdated {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestReceiveFromPeer(t *testing.T) {
	r, pub, _, s := setup(t)
	body, _ := json.Marshal(push.StatusChange{Type: push.TypeStatusChange, EntityId: 2, Action: push.ActionLeftZone})
	d, _ := json.Marshal(envelope{Origin: "b", Topic: events.TopicStatusChanged, Body: body})
	r.Receive(context.Background(), d)
	if len(s.msgs) != 1 || s.msgs[0].Origin != "b" {
		t.Fatalf("msgs = %+v", s.msgs)
	}
	sc, ok := s.msgs[0].Body.(push.StatusChange)
	if !ok || sc.Action != push.ActionLeftZone || sc.EntityId != 2 {
		t.Fatalf("body = %#v", s.msgs[0].Body)
	}
	if len(pub.data) != 0 {
		t.Fatal("relayed event was published again")
	}
}

func TestReceiveIgnoresOwnAndBad(t *testing.T) {
	r, _, _, s := setup(t)
	body, _ := json.Marshal(push.LocationUpdate{EntityId: 1})
	own, _ := json.Marshal(envelope{Origin: "a", Topic: events.TopicLocationUpdated, Body: body})
	unknown, _ := json.Marshal(envelope{Origin: "b", Topic: "nope", Body: body})
	for _, d := range [][]byte{own, unknown, []byte("not json")} {
		r.Receive(context.Background(), d)
	}
	if len(s.msgs) != 0 {
		t.Fatalf("msgs = %+v", s.msgs)
	}
}

func TestPublishErrorIsSwallowed(t *testing.T) {
	_, pub, bus, s := setup(t)
	pub.err = errors.New("down")
	if err := bus.Emit(context.Background(), events.TopicGuideLocationUpdated, push.GuideLocationUpdate{GuideId: 3}); err != nil {
		t.Fatal(err)
	}
	if len(s.msgs) != 1 {
		t.Fatal("local delivery affected by publish error")
	}
}
