package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"nuha.dev/safezone/internal/common"
)

type mockConn struct {
	mu     sync.Mutex
	err    bool
	closed bool
	got    [][]byte
}

func (m *mockConn) Push(d []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err {
		return errors.New("connection closed")
	}
	m.got = append(m.got, d)
	return nil
}

func (m *mockConn) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

func (m *mockConn) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.got)
}

func TestRegisterUnregister(t *testing.T) {
	r := New()
	c := &mockConn{}
	if err := r.Register(c, 7, common.RoleTourist); err != nil {
		t.Fatal(err)
	}
	if r.Count() != 1 {
		t.Fatalf("count = %d", r.Count())
	}
	r.Unregister(c)
	if r.Count() != 0 {
		t.Fatalf("count after unregister = %d", r.Count())
	}
	r.Unregister(c)
	if r.Count() != 0 {
		t.Fatal("double unregister changed the registry")
	}
	if n := r.SendTo(7, []byte("x")); n != 0 {
		t.Fatalf("unregistered connection received %d messages", n)
	}
}

func TestRegisterTwice(t *testing.T) {
	r := New()
	c := &mockConn{}
	_ = r.Register(c, 1, common.RoleAdmin)
	if err := r.Register(c, 2, common.RoleTourist); !errors.Is(err, ErrRegistered) {
		t.Fatalf("err = %v, want ErrRegistered", err)
	}
}

func TestSendToUnknownIdentity(t *testing.T) {
	r := New()
	_ = r.Register(&mockConn{}, 1, common.RoleTourist)
	if n := r.SendTo(99, []byte("x")); n != 0 {
		t.Fatalf("sent to %d connections, want 0", n)
	}
}

func TestSendToIdentityReachesAllItsConnections(t *testing.T) {
	r := New()
	a1, a2, b := &mockConn{}, &mockConn{}, &mockConn{}
	_ = r.Register(a1, 1, common.RoleTourist)
	_ = r.Register(a2, 1, common.RoleTourist)
	_ = r.Register(b, 2, common.RoleTourist)
	if n := r.SendTo(1, []byte("x")); n != 2 {
		t.Fatalf("n = %d, want 2", n)
	}
	if b.count() != 0 {
		t.Fatal("other identity received the message")
	}
}

func TestSendToRoleOnlyReachesRole(t *testing.T) {
	r := New()
	admin, tourist, guide := &mockConn{}, &mockConn{}, &mockConn{}
	_ = r.Register(admin, 1, common.RoleAdmin)
	_ = r.Register(tourist, 2, common.RoleTourist)
	_ = r.Register(guide, 3, common.RoleGuide)

	if n := r.SendToRole(common.RoleAdmin, []byte("alert")); n != 1 {
		t.Fatalf("n = %d, want 1", n)
	}
	if admin.count() != 1 || tourist.count() != 0 || guide.count() != 0 {
		t.Fatalf("admin=%d tourist=%d guide=%d", admin.count(), tourist.count(), guide.count())
	}
}

func TestBroadcastAll(t *testing.T) {
	r := New()
	conns := make([]*mockConn, 5)
	for i := range conns {
		conns[i] = &mockConn{}
		_ = r.Register(conns[i], uint64(i), common.RoleTourist)
	}
	if n := r.BroadcastAll([]byte("hello")); n != 5 {
		t.Fatalf("n = %d", n)
	}
	for i, c := range conns {
		if c.count() != 1 {
			t.Errorf("conn %d got %d", i, c.count())
		}
	}
}

func TestFailedPushUnregisters(t *testing.T) {
	r := New()
	good, bad := &mockConn{}, &mockConn{err: true}
	_ = r.Register(good, 1, common.RoleAdmin)
	_ = r.Register(bad, 2, common.RoleAdmin)

	if n := r.SendToRole(common.RoleAdmin, []byte("x")); n != 1 {
		t.Fatalf("n = %d, want 1", n)
	}
	if r.Count() != 1 {
		t.Fatalf("count = %d, broken connection still registered", r.Count())
	}
	_, failed := r.Stat()
	if failed != 1 {
		t.Fatalf("failed = %d", failed)
	}
	if n := r.SendToRole(common.RoleAdmin, []byte("y")); n != 1 {
		t.Fatalf("second send n = %d", n)
	}
}

func TestSendToAnyDeliversOnce(t *testing.T) {
	r := New()
	owner, admin, other := &mockConn{}, &mockConn{}, &mockConn{}
	_ = r.Register(owner, 5, common.RoleAdmin)
	_ = r.Register(admin, 6, common.RoleAdmin)
	_ = r.Register(other, 7, common.RoleTourist)

	if n := r.SendToAny([]byte("x"), 5, common.RoleAdmin); n != 2 {
		t.Fatalf("n = %d, want 2", n)
	}
	if owner.count() != 1 {
		t.Fatalf("owner got %d, want exactly 1", owner.count())
	}
	if other.count() != 0 {
		t.Fatal("tourist got an admin message")
	}
}

func TestSendToRoles(t *testing.T) {
	r := New()
	admin, guide, tourist := &mockConn{}, &mockConn{}, &mockConn{}
	_ = r.Register(admin, 1, common.RoleAdmin)
	_ = r.Register(guide, 2, common.RoleGuide)
	_ = r.Register(tourist, 3, common.RoleTourist)
	if n := r.SendToRoles([]byte("x"), common.RoleAdmin, common.RoleGuide); n != 2 {
		t.Fatalf("n = %d", n)
	}
	if tourist.count() != 0 {
		t.Fatal("tourist reached")
	}
}

func TestCloseClosesConnections(t *testing.T) {
	r := New()
	c := &mockConn{}
	_ = r.Register(c, 1, common.RoleGuide)
	r.Close()
	if !c.closed {
		t.Fatal("connection not closed")
	}
	if r.Count() != 0 {
		t.Fatal("registry not empty after close")
	}
	if err := r.Register(&mockConn{}, 2, common.RoleGuide); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	r.Close()
}

func TestCountByRoleAndSnapshot(t *testing.T) {
	r := New()
	_ = r.Register(&mockConn{}, 1, common.RoleAdmin)
	_ = r.Register(&mockConn{}, 2, common.RoleTourist)
	_ = r.Register(&mockConn{}, 3, common.RoleTourist)
	m := r.CountByRole()
	if m[common.RoleAdmin] != 1 || m[common.RoleTourist] != 2 {
		t.Fatalf("counts = %v", m)
	}
	if len(r.Snapshot()) != 3 {
		t.Fatal("snapshot size")
	}
}

func TestConcurrentRegisterUnregister(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := &mockConn{}
			if err := r.Register(c, uint64(i), common.RoleTourist); err != nil {
				panic(fmt.Sprint(err))
			}
			r.BroadcastAll([]byte("x"))
			r.Unregister(c)
		}(i)
	}
	wg.Wait()
	if r.Count() != 0 {
		t.Fatalf("count = %d", r.Count())
	}
}

func BenchmarkSend50(b *testing.B) {
	r := New()
	for i := 0; i < 50; i++ {
		_ = r.Register(&mockConn{}, uint64(i), common.RoleAdmin)
	}
	p := make([]byte, 100)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.SendToRole(common.RoleAdmin, p)
	}
}

func TestCloseIdentity(t *testing.T) {
	r := New()
	a1, a2, b := &mockConn{}, &mockConn{}, &mockConn{}
	_ = r.Register(a1, 7, common.RoleTourist)
	_ = r.Register(a2, 7, common.RoleTourist)
	_ = r.Register(b, 8, common.RoleTourist)
	if n := r.CloseIdentity(7); n != 2 {
		t.Fatalf("closed = %d, want 2", n)
	}
	if !a1.closed || !a2.closed || b.closed {
		t.Fatal("wrong connections closed")
	}
	if r.Count() != 1 || r.SendTo(7, []byte("x")) != 0 {
		t.Fatal("closed identity still reachable")
	}
	if n := r.CloseIdentity(7); n != 0 {
		t.Fatalf("second close = %d", n)
	}
}

func TestStatConcurrentSends(t *testing.T) {
	r := New()
	_ = r.Register(&mockConn{}, 1, common.RoleAdmin)
	_ = r.Register(&mockConn{err: true}, 2, common.RoleAdmin)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.SendToRole(common.RoleAdmin, []byte("x"))
		}()
	}
	wg.Wait()
	pushed, failed := r.Stat()
	if pushed != 50 || failed < 1 {
		t.Fatalf("pushed = %d, failed = %d", pushed, failed)
	}
}
