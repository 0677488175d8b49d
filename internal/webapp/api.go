package webapp

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"
	proxyproto "github.com/pires/go-proxyproto"
	"nuha.dev/safezone/internal/auth"
	"nuha.dev/safezone/internal/store"
	"nuha.dev/safezone/internal/tracking"
	"nuha.dev/safezone/internal/util"
)

type ApiConfig struct {
	ListenAddr    string
	VerifyCSRF    bool
	CookieDomain  string
	LoginRate     int
	ProxyProtocol bool
}

type Api struct {
	r      chi.Router
	s      *http.Server
	config *ApiConfig
	log    log.Logger
	tokens *auth.Manager
	vld    *validator.Validate
}

// NewApi mounts the login endpoints, the function dispatcher and the
// location stream on one router.
func NewApi(users store.UserStore, tokens *auth.Manager, svc *tracking.Service, stream http.Handler, config *ApiConfig) *Api {
	api := &Api{config: config, tokens: tokens}
	api.log = log.DefaultLogger
	api.log.Context = log.NewContext(nil).Str("module", "api-server").Value()
	api.vld = validator.New()
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-XSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.Recoverer)

	disp := NewDispatcher(api.vld)
	NewTrackingApi(svc).Register(disp)
	conns, _ := stream.(Disconnector)
	NewUserMgmtApi(users, svc, tokens, conns).Register(disp)
	login := NewLoginHandler(users, tokens, svc, api.vld, config.CookieDomain)

	rate := config.LoginRate
	if rate <= 0 {
		rate = 10
	}
	r.With(httprate.LimitByIP(rate, time.Minute)).Post("/func/login", login.Login)
	r.Post("/func/logout", login.Logout)
	r.Post("/func/sess_check", login.SessionCheck)

	final_router := r.With(api.authenticate)
	if config.VerifyCSRF {
		final_router = final_router.With(xsrf_verify)
	}
	final_router.Post("/func/{name}", func(w http.ResponseWriter, r *http.Request) {
		disp.Call(chi.URLParam(r, "name"), w, r)
	})
	if stream != nil {
		r.Get("/ws/location", stream.ServeHTTP)
	}

	api.r = r
	api.s = &http.Server{
		Addr:              api.config.ListenAddr,
		Handler:           api.r,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return api
}

func (api *Api) Handler() http.Handler {
	return api.r
}

// Run serves until Shutdown. With ProxyProtocol the listener expects a
// PROXY header from the load balancer in front.
func (api *Api) Run() error {
	ln, err := net.Listen("tcp", api.s.Addr)
	if err != nil {
		return err
	}
	if api.config.ProxyProtocol {
		ln = &proxyproto.Listener{Listener: ln}
	}
	api.log.Info().Bool("proxy_protocol", api.config.ProxyProtocol).Msgf("starting api-server on : %s", api.s.Addr)
	err = api.s.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (api *Api) Shutdown(ctx context.Context) error {
	return api.s.Shutdown(ctx)
}

func (api *Api) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _, err := api.tokens.Identify(r)
		if err != nil {
			api.log.Debug().Err(err).Str("path", r.URL.Path).Msg("unauthenticated request")
			util.JsonError(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}

// xsrf_verify applies to cookie sessions only; bearer tokens are not sent
// by the browser on its own.
func xsrf_verify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, fromCookie := auth.TokenFromRequest(r); !fromCookie {
			next.ServeHTTP(w, r)
			return
		}
		hsrf := r.Header.Get(auth.CsrfHeader)
		ct, err1 := r.Cookie(auth.CsrfCookie)
		var cookie_token string
		if err1 == nil {
			cookie_token = ct.Value
		}
		if err1 != nil || hsrf == "" || hsrf != cookie_token {
			log.Debug().Err(err1).Str("header_token", hsrf).Str("cookie_token", cookie_token).Msg("mismatched csrf token")
			util.JsonError(w, http.StatusUnauthorized, "csrf token mismatch")
			return
		}
		next.ServeHTTP(w, r)
	})
}
