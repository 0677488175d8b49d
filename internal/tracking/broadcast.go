package tracking

import (
	"context"

	"github.com/phuslu/log"
	"nuha.dev/safezone/internal/common"
	"nuha.dev/safezone/internal/events"
	"nuha.dev/safezone/internal/push"
)

// Sender is the registry side of the broadcaster.
type Sender interface {
	SendToAny(d []byte, identity uint64, roles ...common.Role) int
	SendToRoles(d []byte, roles ...common.Role) int
}

// Broadcaster routes bus events to push channels:
// location and status updates to the owner and the observer roles,
// guide positions to admins and guides.
type Broadcaster struct {
	reg       Sender
	observers []common.Role
	log       log.Logger
}

func NewBroadcaster(reg Sender, observers []common.Role) *Broadcaster {
	if len(observers) == 0 {
		observers = []common.Role{common.RoleAdmin}
	}
	b := &Broadcaster{reg: reg, observers: observers}
	b.log = log.DefaultLogger
	b.log.Context = log.NewContext(nil).Str("module", "broadcaster").Value()
	return b
}

func (b *Broadcaster) Attach(bus *events.Bus) {
	bus.Subscribe("broadcaster", b.Handle)
}

func (b *Broadcaster) Handle(ctx context.Context, topic string, m events.Message) {
	d, err := push.Encode(m.Body)
	if err != nil {
		b.log.Error().Err(err).Str("topic", topic).Msg("encode push message")
		return
	}
	var n int
	switch v := m.Body.(type) {
	case push.LocationUpdate:
		n = b.reg.SendToAny(d, v.EntityId, b.observers...)
	case push.StatusChange:
		n = b.reg.SendToAny(d, v.EntityId, b.observers...)
	case push.GuideLocationUpdate:
		n = b.reg.SendToRoles(d, common.RoleAdmin, common.RoleGuide)
	default:
		b.log.Warn().Str("topic", topic).Msg("no route for event")
		return
	}
	b.log.Debug().Str("topic", topic).Str("origin", m.Origin).Int("delivered", n).Msg("broadcast")
}
