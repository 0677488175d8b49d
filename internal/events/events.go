// Package events is the in-process topic bus between the tracking core and
// whatever fans its updates out (registry broadcaster, cluster relay).
package events

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/mustafaturan/bus/v3"
	"github.com/mustafaturan/monoton/v2"
	"github.com/mustafaturan/monoton/v2/sequencer"
	"github.com/phuslu/log"
)

const (
	TopicLocationUpdated      = "location.updated"
	TopicGuideLocationUpdated = "guide.location.updated"
	TopicStatusChanged        = "status.changed"
)

var Topics = []string{TopicLocationUpdated, TopicGuideLocationUpdated, TopicStatusChanged}

// 2024-01-01T00:00:00Z in milliseconds, the epoch of event ids.
const idEpoch = uint64(1704067200000)

// Message is what travels on the bus. Origin is empty for events produced
// by this process and holds the peer instance id for relayed ones.
type Message struct {
	Origin string
	Body   interface{}
}

type Handler func(ctx context.Context, topic string, m Message)

type Bus struct {
	b   *bus.Bus
	log log.Logger
}

// New builds a bus whose event ids are monotonic per node.
func New(node uint64) (*Bus, error) {
	m, err := monoton.New(sequencer.NewMillisecond(), node, idEpoch)
	if err != nil {
		return nil, fmt.Errorf("event id generator: %w", err)
	}
	var next bus.Next = m.Next
	b, err := bus.NewBus(next)
	if err != nil {
		return nil, err
	}
	b.RegisterTopics(Topics...)
	o := &Bus{b: b}
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "events").Value()
	return o, nil
}

func (b *Bus) Emit(ctx context.Context, topic string, body interface{}) error {
	return b.b.Emit(ctx, topic, Message{Body: body})
}

// EmitRelayed re-emits an event received from another instance.
func (b *Bus) EmitRelayed(ctx context.Context, topic, origin string, body interface{}) error {
	return b.b.Emit(ctx, topic, Message{Origin: origin, Body: body})
}

// Subscribe registers h under key for the listed topics, or every topic
// when none are given.
func (b *Bus) Subscribe(key string, h Handler, topics ...string) {
	b.b.RegisterHandler(key, bus.Handler{
		Handle: func(ctx context.Context, e bus.Event) {
			m, ok := e.Data.(Message)
			if !ok {
				b.log.Warn().Str("topic", e.Topic).Msg("unexpected event payload")
				return
			}
			h(ctx, e.Topic, m)
		},
		Matcher: matcher(topics),
	})
	b.log.Debug().Str("handler", key).Strs("topics", topics).Msg("handler registered")
}

func (b *Bus) Unsubscribe(key string) {
	b.b.DeregisterHandler(key)
}

func matcher(topics []string) string {
	if len(topics) == 0 {
		return ".*"
	}
	q := make([]string, len(topics))
	for i, t := range topics {
		q[i] = regexp.QuoteMeta(t)
	}
	return "^(" + strings.Join(q, "|") + ")$"
}
