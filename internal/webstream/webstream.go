// Package webstream is the location push channel: a websocket endpoint that
// authenticates the caller and registers the connection in the registry.
package webstream

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/phuslu/log"
	"nhooyr.io/websocket"
	"nuha.dev/safezone/internal/auth"
	"nuha.dev/safezone/internal/common"
	"nuha.dev/safezone/internal/push"
	"nuha.dev/safezone/internal/registry"
)

var errClientClosed = errors.New("client closed")

type Authenticator interface {
	Validate(token string) (*common.Identity, error)
}

type Config struct {
	AllowedOrigins []string
	SendQueue      int
	AuthTimeout    time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
}

type WebstreamServer struct {
	reg     *registry.Registry
	auth    Authenticator
	config  Config
	log     log.Logger
	dropped atomic.Uint64
	active  atomic.Int64
}

func NewWebstream(reg *registry.Registry, authn Authenticator, config *Config) *WebstreamServer {
	o := &WebstreamServer{reg: reg, auth: authn, config: *config}
	if o.config.SendQueue <= 0 {
		o.config.SendQueue = 64
	}
	if o.config.AuthTimeout <= 0 {
		o.config.AuthTimeout = time.Second
	}
	if o.config.WriteTimeout <= 0 {
		o.config.WriteTimeout = 5 * time.Second
	}
	if o.config.PingInterval <= 0 {
		o.config.PingInterval = 30 * time.Second
	}
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "websocket").Value()
	return o
}

// Dropped counts messages discarded because a client queue was full.
func (ws *WebstreamServer) Dropped() uint64 {
	return ws.dropped.Load()
}

func (ws *WebstreamServer) Active() int64 {
	return ws.active.Load()
}

// Disconnect closes every push channel of userId.
func (ws *WebstreamServer) Disconnect(userId uint64) int {
	return ws.reg.CloseIdentity(userId)
}

func (ws *WebstreamServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws.serve_http(w, r)
}

type authFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// tokenFromFrame accepts either the bare token or {"type":"auth","token":...}.
func tokenFromFrame(msg []byte) string {
	s := strings.TrimSpace(string(msg))
	if strings.HasPrefix(s, "{") {
		var f authFrame
		if err := json.Unmarshal([]byte(s), &f); err == nil {
			return f.Token
		}
		return ""
	}
	return s
}

func (ws *WebstreamServer) serve_http(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  ws.config.AllowedOrigins,
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		ws.log.Warn().Err(err).Str("origin", r.Header.Get("Origin")).Msg("websocket upgrade refused")
		return
	}

	var token string
	if ck, err := r.Cookie(auth.TokenCookie); err == nil {
		token = ck.Value
	} else {
		readCtx, cancel := context.WithTimeout(r.Context(), ws.config.AuthTimeout)
		_, msg, err := c.Read(readCtx)
		cancel()
		if err != nil {
			ws.log.Info().Err(err).Msg("no websocket token received")
			c.Close(websocket.StatusPolicyViolation, "authentication required")
			return
		}
		token = tokenFromFrame(msg)
	}
	id, err := ws.auth.Validate(token)
	if err != nil {
		ws.log.Info().Err(err).Msg("invalid websocket token")
		c.Close(websocket.StatusPolicyViolation, "invalid token")
		return
	}

	wc := newClient(ws, c, id)
	if err := ws.reg.Register(wc, id.UserId, id.Role); err != nil {
		ws.log.Warn().Err(err).Msg("register refused")
		c.Close(websocket.StatusTryAgainLater, "server is shutting down")
		return
	}
	ws.active.Add(1)
	wc.log.Info().Msg("websocket connected")

	ctx, cancel := context.WithCancel(r.Context())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		wc.writeLoop(ctx)
	}()
	err = wc.readloop(ctx)
	cancel()
	ws.reg.Unregister(wc)
	wc.closeWith(websocket.StatusNormalClosure, "")
	wg.Wait()
	ws.active.Add(-1)
	wc.log.Info().Err(err).Uint64("dropped", wc.dropped.Load()).Msg("websocket disconnected")
}

type WebstreamClient struct {
	srv     *WebstreamServer
	c       *websocket.Conn
	id      *common.Identity
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
	log     log.Logger
}

func newClient(ws *WebstreamServer, c *websocket.Conn, id *common.Identity) *WebstreamClient {
	wc := &WebstreamClient{srv: ws, c: c, id: id}
	wc.send = make(chan []byte, ws.config.SendQueue)
	wc.done = make(chan struct{})
	wc.log = ws.log
	wc.log.Context = log.NewContext(nil).Str("module", "websocket").Str("cid", uuid.NewString()).
		Uint64("user_id", id.UserId).Str("role", string(id.Role)).Value()
	return wc
}

// Push queues d without blocking. A full queue drops d; a closed client
// reports an error so the registry forgets it.
func (wc *WebstreamClient) Push(d []byte) error {
	select {
	case <-wc.done:
		return errClientClosed
	default:
	}
	select {
	case wc.send <- d:
		return nil
	default:
		wc.dropped.Add(1)
		wc.srv.dropped.Add(1)
		wc.log.Debug().Int("length", len(d)).Msg("send queue full, dropping message")
		return nil
	}
}

func (wc *WebstreamClient) Close() {
	wc.closeWith(websocket.StatusGoingAway, "server shutdown")
}

func (wc *WebstreamClient) closeWith(code websocket.StatusCode, reason string) {
	wc.once.Do(func() {
		close(wc.done)
		_ = wc.c.Close(code, reason)
	})
}

func (wc *WebstreamClient) readloop(ctx context.Context) error {
	for {
		typ, msg, err := wc.c.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}
		switch push.Kind(msg) {
		case push.TypePing:
			if d, err := push.Encode(push.Control{Type: push.TypePong}); err == nil {
				_ = wc.Push(d)
			}
		default:
			wc.log.Trace().Int("length", len(msg)).Msg("ignoring client frame")
		}
	}
}

func (wc *WebstreamClient) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(wc.srv.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case d := <-wc.send:
			wctx, cancel := context.WithTimeout(ctx, wc.srv.config.WriteTimeout)
			err := wc.c.Write(wctx, websocket.MessageText, d)
			cancel()
			if err != nil {
				wc.log.Debug().Err(err).Msg("error while writing to connection")
				wc.closeWith(websocket.StatusInternalError, "write failed")
				return
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, wc.srv.config.WriteTimeout)
			err := wc.c.Ping(pctx)
			cancel()
			if err != nil {
				wc.log.Debug().Err(err).Msg("ping failed")
				wc.closeWith(websocket.StatusPolicyViolation, "ping timeout")
				return
			}
		case <-wc.done:
			return
		case <-ctx.Done():
			return
		}
	}
}
