// Package relay shares bus events between server instances over NATS so a
// push channel on one instance sees updates submitted to another.
package relay

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nuha.dev/safezone/internal/events"
	"nuha.dev/safezone/internal/push"
)

type Publisher interface {
	Publish(subject string, data []byte) error
}

type Config struct {
	URL      string
	Subject  string
	Instance string
}

type Relay struct {
	config Config
	pub    Publisher
	bus    *events.Bus
	logger zerolog.Logger

	nc  *nats.Conn
	sub *nats.Subscription
}

type envelope struct {
	Origin string          `json:"origin"`
	Topic  string          `json:"topic"`
	Body   json.RawMessage `json:"body"`
}

func New(pub Publisher, bus *events.Bus, config *Config) *Relay {
	r := &Relay{config: *config, pub: pub, bus: bus}
	if r.config.Subject == "" {
		r.config.Subject = "safezone.events"
	}
	r.logger = log.With().Str("module", "relay").Str("instance", r.config.Instance).Logger()
	return r
}

// Connect dials NATS, subscribes to the shared subject and attaches the
// relay to the bus.
func Connect(bus *events.Bus, config *Config) (*Relay, error) {
	nc, err := nats.Connect(config.URL,
		nats.Name("safezone-"+config.Instance),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Str("module", "relay").Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("module", "relay").Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	r := New(nc, bus, config)
	r.nc = nc
	r.sub, err = nc.Subscribe(r.config.Subject, func(m *nats.Msg) {
		r.Receive(context.Background(), m.Data)
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	r.Attach()
	r.logger.Info().Str("url", config.URL).Str("subject", r.config.Subject).Msg("relay connected")
	return r, nil
}

func (r *Relay) Attach() {
	r.bus.Subscribe("relay", r.handle)
}

// handle forwards locally produced events. Relayed ones are not sent back.
func (r *Relay) handle(ctx context.Context, topic string, m events.Message) {
	if m.Origin != "" {
		return
	}
	body, err := json.Marshal(m.Body)
	if err != nil {
		r.logger.Err(err).Str("topic", topic).Msg("encode event")
		return
	}
	d, err := json.Marshal(envelope{Origin: r.config.Instance, Topic: topic, Body: body})
	if err != nil {
		r.logger.Err(err).Msg("encode envelope")
		return
	}
	if err := r.pub.Publish(r.config.Subject, d); err != nil {
		r.logger.Warn().Err(err).Str("topic", topic).Msg("publish dropped")
	}
}

func (r *Relay) Receive(ctx context.Context, d []byte) {
	var env envelope
	if err := json.Unmarshal(d, &env); err != nil {
		r.logger.Warn().Err(err).Msg("bad envelope")
		return
	}
	if env.Origin == r.config.Instance {
		return
	}
	body, err := decodeBody(env.Topic, env.Body)
	if err != nil {
		r.logger.Warn().Err(err).Str("topic", env.Topic).Str("origin", env.Origin).Msg("bad event body")
		return
	}
	if err := r.bus.EmitRelayed(ctx, env.Topic, env.Origin, body); err != nil {
		r.logger.Err(err).Str("topic", env.Topic).Msg("re-emit")
	}
}

func decodeBody(topic string, raw json.RawMessage) (interface{}, error) {
	switch topic {
	case events.TopicLocationUpdated:
		var v push.LocationUpdate
		err := json.Unmarshal(raw, &v)
		return v, err
	case events.TopicGuideLocationUpdated:
		var v push.GuideLocationUpdate
		err := json.Unmarshal(raw, &v)
		return v, err
	case events.TopicStatusChanged:
		var v push.StatusChange
		err := json.Unmarshal(raw, &v)
		return v, err
	}
	return nil, fmt.Errorf("unknown topic %q", topic)
}

func (r *Relay) Close() {
	r.bus.Unsubscribe("relay")
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
	if r.nc != nil {
		if err := r.nc.Drain(); err != nil {
			r.logger.Warn().Err(err).Msg("nats drain")
		}
	}
}
