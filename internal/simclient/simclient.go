// Package simclient drives a demo user against a running server: it logs in,
// keeps the location websocket open and submits a random walk around the
// user's zone.
package simclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/phuslu/log"
	"nhooyr.io/websocket"
	"nuha.dev/safezone/internal/common"
	"nuha.dev/safezone/internal/geofence"
)

type Config struct {
	BaseURL  string
	Email    string
	Password string
	Interval time.Duration
	// Step is the largest move between two reports, in meters.
	Step float64
	// Excursion is the chance per report of heading away from the center.
	Excursion float64
	// Count stops the walk after that many reports; 0 walks until ctx ends.
	Count      int
	Seed       int64
	RetryStart time.Duration
	RetryMax   time.Duration
}

// ApiError is a non-200 answer from the server.
type ApiError struct {
	Code    int
	Message string
}

func (e *ApiError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.Message)
}

type Client struct {
	config Config
	http   *http.Client
	rnd    *rand.Rand
	log    log.Logger

	token string
	role  common.Role
	zone  *geofence.Zone
	lat   float64
	lon   float64

	sent     atomic.Uint64
	received atomic.Uint64
	dials    atomic.Uint64

	// OnMessage is called for every push frame received.
	OnMessage func(d []byte)
}

func New(config *Config) *Client {
	c := &Client{config: *config, http: &http.Client{Timeout: 10 * time.Second}}
	c.config.BaseURL = strings.TrimRight(c.config.BaseURL, "/")
	if c.config.Interval <= 0 {
		c.config.Interval = 2 * time.Second
	}
	if c.config.Step <= 0 {
		c.config.Step = 60
	}
	if c.config.RetryStart <= 0 {
		c.config.RetryStart = 500 * time.Millisecond
	}
	if c.config.RetryMax <= 0 {
		c.config.RetryMax = 30 * time.Second
	}
	seed := c.config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	c.rnd = rand.New(rand.NewSource(seed))
	c.log = log.DefaultLogger
	c.log.Context = log.NewContext(nil).Str("module", "simclient").Str("email", c.config.Email).Value()
	return c
}

func (c *Client) Sent() uint64     { return c.sent.Load() }
func (c *Client) Received() uint64 { return c.received.Load() }
func (c *Client) Dials() uint64    { return c.dials.Load() }

func (c *Client) newBackoff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.RetryStart
	b.MaxInterval = c.config.RetryMax
	b.MaxElapsedTime = 0
	return backoff.WithContext(b, ctx)
}

func (c *Client) post(ctx context.Context, path string, req interface{}, res interface{}) error {
	body := []byte("{}")
	if req != nil {
		var err error
		if body, err = json.Marshal(req); err != nil {
			return err
		}
	}
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	r.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		r.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(r)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		e := struct {
			Message string `json:"message"`
		}{}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &ApiError{Code: resp.StatusCode, Message: e.Message}
	}
	if res == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(res)
}

// permanent marks client errors so the backoff loop stops on them.
func permanent(err error) error {
	var ae *ApiError
	if errors.As(err, &ae) && ae.Code >= 400 && ae.Code < 500 && ae.Code != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}

// Login retries with backoff until the server answers; bad credentials end
// the retry.
func (c *Client) Login(ctx context.Context) error {
	res := struct {
		Token string      `json:"token"`
		Role  common.Role `json:"role"`
	}{}
	op := func() error {
		return permanent(c.post(ctx, "/func/login", map[string]string{"email": c.config.Email, "password": c.config.Password}, &res))
	}
	err := backoff.RetryNotify(op, c.newBackoff(ctx), func(err error, d time.Duration) {
		c.log.Warn().Err(err).Dur("retry_in", d).Msg("login failed")
	})
	if err != nil {
		return err
	}
	c.token = res.Token
	c.role = res.Role
	c.log.Info().Str("role", string(c.role)).Msg("logged in")
	return nil
}

func (c *Client) wsURL() string {
	u := c.config.BaseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws/location"
}

// Stream keeps the push channel open until ctx ends, reconnecting with
// exponential backoff whenever it drops.
func (c *Client) Stream(ctx context.Context) error {
	b := c.newBackoff(ctx)
	op := func() error {
		err := c.streamOnce(ctx)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err == nil {
			b.Reset()
			err = errors.New("stream closed")
		}
		return err
	}
	err := backoff.RetryNotify(op, b, func(err error, d time.Duration) {
		c.log.Warn().Err(err).Dur("retry_in", d).Msg("push channel lost")
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// streamOnce returns nil when the connection was up and then closed.
func (c *Client) streamOnce(ctx context.Context) error {
	c.dials.Add(1)
	conn, _, err := websocket.Dial(ctx, c.wsURL(), nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	if err := conn.Write(ctx, websocket.MessageText, []byte(c.token)); err != nil {
		return err
	}
	c.log.Info().Msg("push channel open")
	for {
		_, d, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
				return backoff.Permanent(err)
			}
			c.log.Debug().Err(err).Msg("push channel read")
			return nil
		}
		c.received.Add(1)
		if c.OnMessage != nil {
			c.OnMessage(d)
		}
	}
}

type mapData struct {
	Entity struct {
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	} `json:"entity"`
	Geofence *geofence.Zone `json:"geofence"`
}

// prepare picks the starting point: the last known position or the zone
// center.
func (c *Client) prepare(ctx context.Context) error {
	m := mapData{}
	if err := c.post(ctx, "/func/GetMapData", nil, &m); err != nil {
		return err
	}
	c.zone = m.Geofence
	switch {
	case m.Entity.Latitude != nil && m.Entity.Longitude != nil:
		c.lat, c.lon = *m.Entity.Latitude, *m.Entity.Longitude
	case c.zone != nil:
		c.lat, c.lon = c.zone.Lat, c.zone.Lon
	default:
		zones := []geofence.Zone{}
		if err := c.post(ctx, "/func/GetZones", nil, &zones); err != nil {
			return err
		}
		if len(zones) == 0 {
			return errors.New("server has no zones")
		}
		c.lat, c.lon = zones[0].Lat, zones[0].Lon
	}
	return nil
}

const metersPerDegree = 111320.0

// step moves the walker by up to Step meters. It drifts back toward the
// zone center unless this step is an excursion.
func (c *Client) step() {
	bearing := c.rnd.Float64() * 2 * math.Pi
	if c.zone != nil {
		toCenter := math.Atan2(c.zone.Lat-c.lat, (c.zone.Lon-c.lon)*math.Cos(c.lat*math.Pi/180))
		if c.rnd.Float64() < c.config.Excursion {
			bearing = toCenter + math.Pi
		} else if geofence.Distance(geofence.Point{Latitude: c.lat, Longitude: c.lon}, c.zone.Center()) > c.zone.Radius/2 {
			bearing = toCenter + (c.rnd.Float64()-0.5)*math.Pi/2
		}
	}
	d := c.rnd.Float64() * c.config.Step
	c.lat += d * math.Sin(bearing) / metersPerDegree
	c.lon += d * math.Cos(bearing) / (metersPerDegree * math.Cos(c.lat*math.Pi/180))
	c.lat = math.Max(-90, math.Min(90, c.lat))
	if c.lon > 180 {
		c.lon -= 360
	} else if c.lon < -180 {
		c.lon += 360
	}
}

type outcome struct {
	Status      geofence.Status `json:"status"`
	InsideFence bool            `json:"inside_fence"`
	Distance    float64         `json:"distance_m"`
}

func (c *Client) submit(ctx context.Context) (*outcome, error) {
	fn := "/func/SubmitLocation"
	if c.role == common.RoleGuide {
		fn = "/func/SubmitGuideLocation"
	}
	res := &outcome{}
	err := c.post(ctx, fn, map[string]float64{"latitude": c.lat, "longitude": c.lon}, res)
	if err != nil {
		return nil, err
	}
	c.sent.Add(1)
	return res, nil
}

// Run logs in, opens the push channel and walks until ctx ends or Count
// reports are sent. Admins only listen.
func (c *Client) Run(ctx context.Context) error {
	if err := c.Login(ctx); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	streamDone := make(chan error, 1)
	go func() { streamDone <- c.Stream(ctx) }()

	if c.role == common.RoleAdmin {
		return <-streamDone
	}
	if err := c.prepare(ctx); err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()
	for {
		c.step()
		out, err := c.submit(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ae *ApiError
			if errors.As(err, &ae) && (ae.Code == http.StatusUnauthorized || ae.Code == http.StatusForbidden) {
				return err
			}
			c.log.Warn().Err(err).Msg("submit failed")
		} else {
			c.log.Info().Float64("lat", c.lat).Float64("lon", c.lon).Str("status", string(out.Status)).Float64("distance_m", out.Distance).Msg("location sent")
		}
		if c.config.Count > 0 && int(c.Sent()) >= c.config.Count {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case err := <-streamDone:
			return err
		case <-ticker.C:
		}
	}
}
