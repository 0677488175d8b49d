package webapp

import (
	"context"
	"errors"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/safezone/internal/auth"
	"nuha.dev/safezone/internal/common"
	"nuha.dev/safezone/internal/store"
)

// SessionRevoker ends the live sessions of a user.
type SessionRevoker interface {
	RevokeUser(userId uint64)
}

// Disconnector closes the push channels of a user.
type Disconnector interface {
	Disconnect(userId uint64) int
}

// UserMgmt holds the admin-only user functions.
type UserMgmt struct {
	users    store.UserStore
	ents     EntityProvisioner
	sessions SessionRevoker
	conns    Disconnector
	log      log.Logger
}

func NewUserMgmtApi(users store.UserStore, ents EntityProvisioner, sessions SessionRevoker, conns Disconnector) *UserMgmt {
	u := &UserMgmt{users: users, ents: ents, sessions: sessions, conns: conns}
	u.log = log.DefaultLogger
	u.log.Context = log.NewContext(nil).Str("module", "usermgmt").Value()
	return u
}

func (u *UserMgmt) Register(disp *Dispatcher) {
	disp.Add("AddUser", u.AddUser, common.RoleAdmin)
	disp.Add("GetUsers", u.GetUsers, common.RoleAdmin)
	disp.Add("SetUserActive", u.SetUserActive, common.RoleAdmin)
}

type UserModel struct {
	UserId    uint64      `json:"user_id"`
	Email     string      `json:"email"`
	FullName  string      `json:"full_name"`
	Role      common.Role `json:"role"`
	Active    bool        `json:"active"`
	CreatedAt time.Time   `json:"created_at"`
}

type AddUserRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
	FullName string `json:"full_name" validate:"required"`
	Role     string `json:"role" validate:"oneof=admin guide tourist"`
}

type AddUserResponse struct {
	Status int    `json:"status"`
	UserId uint64 `json:"user_id,omitempty"`
}

func (u *UserMgmt) AddUser(ctx context.Context, req *AddUserRequest, res *AddUserResponse) error {
	hashedPwd, err := auth.HashPassword(req.Password)
	if err != nil {
		return err
	}
	id, err := u.users.CreateUser(ctx, &store.User{
		Email:        req.Email,
		PasswordHash: hashedPwd,
		FullName:     req.FullName,
		Role:         common.Role(req.Role),
		Active:       true,
	})
	if errors.Is(err, store.ErrDuplicate) {
		res.Status = -1
		u.log.Warn().Str("email", req.Email).Msg("trying to create user with existing email")
		return nil
	} else if err != nil {
		return err
	}
	role := common.Role(req.Role)
	if u.ents != nil && role != common.RoleAdmin {
		_, err = u.ents.EnsureEntity(ctx, &common.Identity{UserId: id, Email: req.Email, Name: req.FullName, Role: role})
		if err != nil {
			return err
		}
	}
	u.log.Info().Uint64("user_id", id).Str("role", req.Role).Str("by", auth.FromContext(ctx).Email).Msg("user created")
	res.Status = 0
	res.UserId = id
	return nil
}

func (u *UserMgmt) GetUsers(ctx context.Context, res *[]*UserModel) error {
	list, err := u.users.ListUsers(ctx)
	if err != nil {
		return err
	}
	users := make([]*UserModel, 0, len(list))
	for _, x := range list {
		users = append(users, &UserModel{UserId: x.Id, Email: x.Email, FullName: x.FullName, Role: x.Role, Active: x.Active, CreatedAt: x.CreatedAt})
	}
	*res = users
	return nil
}

type SetUserActiveRequest struct {
	UserId uint64 `json:"user_id" validate:"required"`
	Active bool   `json:"active"`
}

// SetUserActive with active false also ends the user's tokens and push
// channels.
func (u *UserMgmt) SetUserActive(ctx context.Context, req *SetUserActiveRequest, res *common.BasicResponse) error {
	if err := u.users.SetUserActive(ctx, req.UserId, req.Active); err != nil {
		return err
	}
	if !req.Active {
		if u.sessions != nil {
			u.sessions.RevokeUser(req.UserId)
		}
		closed := 0
		if u.conns != nil {
			closed = u.conns.Disconnect(req.UserId)
		}
		u.log.Info().Uint64("user_id", req.UserId).Int("closed", closed).Str("by", auth.FromContext(ctx).Email).Msg("user deactivated")
	}
	res.Status = 0
	return nil
}
