package webapp

import (
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/phuslu/log"
	"nuha.dev/safezone/internal/auth"
	"nuha.dev/safezone/internal/common"
	"nuha.dev/safezone/internal/store"
	"nuha.dev/safezone/internal/util"
)

// EntityProvisioner creates the tracked entity of a tourist or guide on
// first login.
type EntityProvisioner interface {
	EnsureEntity(ctx context.Context, u *common.Identity) (*store.Entity, error)
}

type LoginHandler struct {
	users  store.UserStore
	tokens *auth.Manager
	ents   EntityProvisioner
	*validator.Validate
	cookieDomain string
	log          log.Logger
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	Status     int         `json:"status"`
	Token      string      `json:"token"`
	CsrfToken  string      `json:"csrf_token"`
	ValidUntil time.Time   `json:"valid_until"`
	Role       common.Role `json:"role"`
}

var errBadCredentials = errors.New("incorrect email or password")

func NewLoginHandler(users store.UserStore, tokens *auth.Manager, ents EntityProvisioner, vld *validator.Validate, cookieDomain string) *LoginHandler {
	l := &LoginHandler{users: users, tokens: tokens, ents: ents, Validate: vld, cookieDomain: cookieDomain}
	l.log = log.DefaultLogger
	l.log.Context = log.NewContext(nil).Str("module", "login").Value()
	return l
}

func (l *LoginHandler) login(ctx context.Context, email, password string) (*LoginResponse, error) {
	u, err := l.users.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errBadCredentials
	} else if err != nil {
		return nil, err
	}
	if !u.Active || !auth.CheckPassword(u.PasswordHash, password) {
		return nil, errBadCredentials
	}
	token, id, err := l.tokens.Issue(u)
	if err != nil {
		return nil, err
	}
	if l.ents != nil && id.Is(common.RoleTourist, common.RoleGuide) {
		if _, err := l.ents.EnsureEntity(ctx, id); err != nil {
			l.log.Error().Err(err).Uint64("user_id", u.Id).Msg("provision entity")
		}
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], crc32.ChecksumIEEE([]byte(strings.ToLower(u.Email))))
	csrf_token := util.GenRandomString(prefix[:], 24)
	return &LoginResponse{Status: 0, Token: token, CsrfToken: csrf_token, ValidUntil: id.ValidUntil, Role: u.Role}, nil
}

func login_success_setCookie(w http.ResponseWriter, token, csrfToken, domain string, until time.Time) {
	http.SetCookie(w, &http.Cookie{
		Domain:   domain,
		SameSite: http.SameSiteLaxMode,
		HttpOnly: true,
		Name:     auth.TokenCookie,
		Value:    token,
		Path:     "/",
		Expires:  until,
	})

	http.SetCookie(w, &http.Cookie{
		Domain:   domain,
		SameSite: http.SameSiteLaxMode,
		HttpOnly: true,
		Name:     auth.CsrfCookie,
		Value:    csrfToken,
		Path:     "/",
		Expires:  until,
	})
}

func clearCookies(w http.ResponseWriter, domain string) {
	for _, name := range []string{auth.TokenCookie, auth.CsrfCookie} {
		http.SetCookie(w, &http.Cookie{
			Domain:   domain,
			HttpOnly: true,
			Name:     name,
			Value:    "",
			Path:     "/",
			Expires:  time.Unix(0, 0),
			MaxAge:   -1,
		})
	}
}

func (l *LoginHandler) Login(w http.ResponseWriter, r *http.Request) {
	req_body := LoginRequest{}
	err := json.NewDecoder(r.Body).Decode(&req_body)
	if err != nil {
		util.JsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	err = l.Validate.Struct(req_body)
	if err != nil {
		util.JsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := l.login(r.Context(), req_body.Email, req_body.Password)
	if errors.Is(err, errBadCredentials) {
		l.log.Info().Str("email", req_body.Email).Str("remote", r.RemoteAddr).Msg("login failed")
		util.JsonError(w, http.StatusUnauthorized, err.Error())
		return
	} else if err != nil {
		panic(err)
	}
	login_success_setCookie(w, res.Token, res.CsrfToken, l.cookieDomain, res.ValidUntil)
	l.log.Info().Str("email", req_body.Email).Str("role", string(res.Role)).Msg("login")
	util.JsonWrite(w, res)
}

func (l *LoginHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if id, _, err := l.tokens.Identify(r); err == nil {
		l.tokens.Revoke(id)
	}
	clearCookies(w, l.cookieDomain)
	util.JsonWrite(w, common.BasicResponse{Status: 0})
}

type sessionCheckRequest struct {
	CsrfToken string `json:"csrf_token"`
}

type sessionCheckResponse struct {
	Status     bool        `json:"status"`
	Role       common.Role `json:"role,omitempty"`
	ValidUntil *time.Time  `json:"valid_until,omitempty"`
}

// SessionCheck reports whether the request carries a live session. For
// cookie sessions a csrf_token in the body must match the csrf cookie.
func (l *LoginHandler) SessionCheck(w http.ResponseWriter, r *http.Request) {
	req_body := sessionCheckRequest{}
	res_body := sessionCheckResponse{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req_body); err != nil {
			util.JsonError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	id, fromCookie, err := l.tokens.Identify(r)
	if err != nil {
		util.JsonWrite(w, res_body)
		return
	}
	if fromCookie && req_body.CsrfToken != "" {
		ct, err := r.Cookie(auth.CsrfCookie)
		if err != nil || ct.Value != req_body.CsrfToken {
			util.JsonWrite(w, res_body)
			return
		}
	}
	res_body.Status = true
	res_body.Role = id.Role
	res_body.ValidUntil = &id.ValidUntil
	util.JsonWrite(w, res_body)
}
