package commands

import (
	"context"
	"errors"

	"github.com/phuslu/log"
	"nuha.dev/safezone/internal/auth"
	"nuha.dev/safezone/internal/common"
	"nuha.dev/safezone/internal/store"
)

type demoUser struct {
	email    string
	password string
	name     string
	role     common.Role
}

var demoUsers = []demoUser{
	{"admin@demo.com", "admin123", "Demo Admin", common.RoleAdmin},
	{"tourist@demo.com", "tourist123", "Demo Tourist", common.RoleTourist},
	{"guide@demo.com", "guide123", "Demo Guide", common.RoleGuide},
}

// seedDemo creates the demo accounts. Existing e-mails are left untouched.
func seedDemo(ctx context.Context, users store.UserStore, logger log.Logger) error {
	for _, d := range demoUsers {
		hash, err := auth.HashPassword(d.password)
		if err != nil {
			return err
		}
		id, err := users.CreateUser(ctx, &store.User{Email: d.email, PasswordHash: hash, FullName: d.name, Role: d.role, Active: true})
		if errors.Is(err, store.ErrDuplicate) {
			logger.Info().Str("email", d.email).Msg("demo user exists")
			continue
		} else if err != nil {
			return err
		}
		logger.Info().Str("email", d.email).Uint64("user_id", id).Str("role", string(d.role)).Msg("demo user created")
	}
	return nil
}
