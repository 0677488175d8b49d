package registry

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/safezone/internal/common"
)

var (
	ErrClosed     = errors.New("registry closed")
	ErrRegistered = errors.New("connection already registered")
)

// Conn is one open push channel. Push must not block on the network; an
// error means the channel is gone and it will be unregistered.
type Conn interface {
	Push(d []byte) error
	Close()
}

type Tag struct {
	Identity uint64      `json:"identity"`
	Role     common.Role `json:"role"`
	Since    time.Time   `json:"since"`
}

type Registry struct {
	mu     sync.Mutex
	list   map[Conn]Tag
	closed bool
	log    log.Logger

	pushed atomic.Uint64
	failed atomic.Uint64
}

func New() *Registry {
	r := &Registry{}
	r.list = make(map[Conn]Tag)
	r.log = log.DefaultLogger
	r.log.Context = log.NewContext(nil).Str("module", "registry").Value()
	return r
}

func (r *Registry) Register(c Conn, identity uint64, role common.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if _, ok := r.list[c]; ok {
		return ErrRegistered
	}
	r.list[c] = Tag{Identity: identity, Role: role, Since: time.Now()}
	r.log.Debug().Uint64("identity", identity).Str("role", string(role)).Int("total", len(r.list)).Msg("connection registered")
	return nil
}

// Unregister is a no-op for unknown connections.
func (r *Registry) Unregister(c Conn) {
	r.mu.Lock()
	tag, ok := r.list[c]
	if ok {
		delete(r.list, c)
	}
	total := len(r.list)
	r.mu.Unlock()
	if ok {
		r.log.Debug().Uint64("identity", tag.Identity).Str("role", string(tag.Role)).Int("total", total).Msg("connection unregistered")
	}
}

// CloseIdentity unregisters and closes every connection of identity.
func (r *Registry) CloseIdentity(identity uint64) int {
	r.mu.Lock()
	var conns []Conn
	for c, tag := range r.list {
		if tag.Identity == identity {
			conns = append(conns, c)
			delete(r.list, c)
		}
	}
	r.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	if len(conns) > 0 {
		r.log.Info().Uint64("identity", identity).Int("closed", len(conns)).Msg("connections closed")
	}
	return len(conns)
}

func (r *Registry) SendTo(identity uint64, d []byte) int {
	return r.deliver(d, func(t Tag) bool { return t.Identity == identity })
}

func (r *Registry) SendToRole(role common.Role, d []byte) int {
	return r.deliver(d, func(t Tag) bool { return t.Role == role })
}

func (r *Registry) BroadcastAll(d []byte) int {
	return r.deliver(d, func(Tag) bool { return true })
}

// SendToAny reaches every connection owned by identity or holding one of
// roles. A connection matching both gets the message once.
func (r *Registry) SendToAny(d []byte, identity uint64, roles ...common.Role) int {
	return r.deliver(d, func(t Tag) bool {
		if t.Identity == identity {
			return true
		}
		for _, role := range roles {
			if t.Role == role {
				return true
			}
		}
		return false
	})
}

// SendToRoles reaches connections holding any of roles, once each.
func (r *Registry) SendToRoles(d []byte, roles ...common.Role) int {
	return r.deliver(d, func(t Tag) bool {
		for _, role := range roles {
			if t.Role == role {
				return true
			}
		}
		return false
	})
}

func (r *Registry) deliver(d []byte, match func(Tag) bool) int {
	r.mu.Lock()
	targets := make([]Conn, 0, len(r.list))
	for c, tag := range r.list {
		if match(tag) {
			targets = append(targets, c)
		}
	}
	r.mu.Unlock()

	n := 0
	for _, c := range targets {
		if err := c.Push(d); err != nil {
			r.failed.Add(1)
			r.log.Debug().Err(err).Msg("push failed, dropping connection")
			r.Unregister(c)
			continue
		}
		r.pushed.Add(1)
		n++
	}
	return n
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.list)
}

func (r *Registry) CountByRole() map[common.Role]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := make(map[common.Role]int)
	for _, tag := range r.list {
		m[tag.Role]++
	}
	return m
}

// Snapshot lists the registered connections, oldest first.
func (r *Registry) Snapshot() []Tag {
	r.mu.Lock()
	out := make([]Tag, 0, len(r.list))
	for _, tag := range r.list {
		out = append(out, tag)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Since.Before(out[j].Since) })
	return out
}

func (r *Registry) Stat() (pushed uint64, failed uint64) {
	return r.pushed.Load(), r.failed.Load()
}

// Close closes every registered connection. Register fails afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	conns := make([]Conn, 0, len(r.list))
	for c := range r.list {
		conns = append(conns, c)
	}
	r.list = make(map[Conn]Tag)
	r.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	r.log.Info().Int("closed", len(conns)).Msg("registry closed")
}
