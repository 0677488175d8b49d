package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"nuha.dev/safezone/internal/auth"
	"nuha.dev/safezone/internal/common"
	"nuha.dev/safezone/internal/events"
	"nuha.dev/safezone/internal/monitoring"
	"nuha.dev/safezone/internal/registry"
	"nuha.dev/safezone/internal/relay"
	"nuha.dev/safezone/internal/store"
	"nuha.dev/safezone/internal/store/impl/logstore"
	"nuha.dev/safezone/internal/store/impl/memstore"
	"nuha.dev/safezone/internal/store/impl/pgstore"
	"nuha.dev/safezone/internal/tracking"
	"nuha.dev/safezone/internal/util"
	"nuha.dev/safezone/internal/webapp"
	"nuha.dev/safezone/internal/webstream"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the api, push channel and monitoring servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
	f := cmd.Flags()
	f.String("listen", ":5000", "api listen address")
	f.String("store", "memory", "memory or postgres")
	f.String("db-url", "", "postgres url, overrides db_url")
	f.String("mon-listen", "localhost:5001", "monitoring listen address")
	_ = viper.BindPFlag("api.listen", f.Lookup("listen"))
	_ = viper.BindPFlag("store", f.Lookup("store"))
	_ = viper.BindPFlag("db_url", f.Lookup("db-url"))
	_ = viper.BindPFlag("monitoring.listen", f.Lookup("mon-listen"))
	return cmd
}

// openStore returns the store and the function that flushes and closes it.
func openStore(ctx context.Context, logger log.Logger) (store.Store, func(), error) {
	switch kind := viper.GetString("store"); kind {
	case "memory":
		st := memstore.New(logstore.NewStore(os.Stderr))
		if err := seedDemo(ctx, st, logger); err != nil {
			return nil, nil, err
		}
		return st, func() {}, nil
	case "postgres":
		pool, err := pgxpool.Connect(ctx, viper.GetString("db_url"))
		if err != nil {
			return nil, nil, err
		}
		if err := pgstore.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		history := pgstore.NewHistory(pool, &pgstore.HistoryConfig{
			BufSize:     viper.GetInt("history.buf_size"),
			MaxAgeFlush: viper.GetDuration("history.max_age"),
		})
		hctx, hcancel := context.WithCancel(context.Background())
		go history.Run(hctx)
		closer := func() {
			hcancel()
			<-history.Done()
			pool.Close()
		}
		return pgstore.NewStore(pool, history), closer, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q", kind)
	}
}

func observerRoles() ([]common.Role, error) {
	var out []common.Role
	for _, s := range viper.GetStringSlice("tracking.observer_roles") {
		r := common.Role(s)
		if !r.Valid() {
			return nil, fmt.Errorf("tracking.observer_roles: unknown role %q", s)
		}
		out = append(out, r)
	}
	return out, nil
}

func serve(ctx context.Context) error {
	logger := log.DefaultLogger
	logger.Context = log.NewContext(nil).Str("module", "main").Value()

	zones, err := loadZones()
	if err != nil {
		return fmt.Errorf("zones: %w", err)
	}
	observers, err := observerRoles()
	if err != nil {
		return err
	}
	secret := viper.GetString("auth.secret")
	if secret == "" {
		secret = util.GenRandomString(nil, 32)
		logger.Warn().Msg("auth.secret is not set, sessions will not survive a restart")
	}
	tokens, err := auth.NewManager(&auth.Config{Secret: secret, SessionLength: viper.GetDuration("auth.session_length")})
	if err != nil {
		return err
	}

	st, closeStore, err := openStore(ctx, logger)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer closeStore()

	bus, err := events.New(viper.GetUint64("node"))
	if err != nil {
		return err
	}
	reg := registry.New()
	tracking.NewBroadcaster(reg, observers).Attach(bus)

	if url := viper.GetString("nats.url"); url != "" {
		instance := viper.GetString("nats.instance")
		if instance == "" {
			instance = util.GenUUID()
		}
		rl, err := relay.Connect(bus, &relay.Config{URL: url, Subject: viper.GetString("nats.subject"), Instance: instance})
		if err != nil {
			return err
		}
		defer rl.Close()
	}

	svc, err := tracking.NewService(st, zones, bus, &tracking.Config{CodeSalt: viper.GetString("tracking.code_salt")})
	if err != nil {
		return err
	}
	stream := webstream.NewWebstream(reg, tokens, &webstream.Config{
		AllowedOrigins: viper.GetStringSlice("ws.allowed_origins"),
		SendQueue:      viper.GetInt("ws.send_queue"),
	})
	api := webapp.NewApi(st, tokens, svc, stream, &webapp.ApiConfig{
		ListenAddr:    viper.GetString("api.listen"),
		VerifyCSRF:    viper.GetBool("api.verify_csrf"),
		CookieDomain:  viper.GetString("api.cookie_domain"),
		LoginRate:     viper.GetInt("api.login_rate"),
		ProxyProtocol: viper.GetBool("api.proxy_protocol"),
	})
	mon, err := monitoring.NewMonApi(reg, stream, nil, &monitoring.MonitoringConfig{ListenAddr: viper.GetString("monitoring.listen")})
	if err != nil {
		return err
	}
	mon.Attach(bus)

	errc := make(chan error, 2)
	go func() { errc <- api.Run() }()
	go func() { errc <- mon.Run() }()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err = <-errc:
		if err != nil {
			logger.Error().Err(err).Msg("server stopped")
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if e := api.Shutdown(sctx); e != nil {
		logger.Warn().Err(e).Msg("api shutdown")
	}
	if e := mon.Shutdown(sctx); e != nil {
		logger.Warn().Err(e).Msg("monitoring shutdown")
	}
	reg.Close()
	return err
}
