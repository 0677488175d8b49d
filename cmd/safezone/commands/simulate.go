package commands

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"nuha.dev/safezone/internal/simclient"
)

func simulateCmd() *cobra.Command {
	cfg := simclient.Config{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Log in as a user and walk around its zone",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return simclient.New(&cfg).Run(ctx)
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.BaseURL, "url", "http://localhost:5000", "server base url")
	f.StringVar(&cfg.Email, "email", "tourist@demo.com", "login e-mail")
	f.StringVar(&cfg.Password, "password", "tourist123", "login password")
	f.DurationVar(&cfg.Interval, "interval", 2*time.Second, "time between reports")
	f.Float64Var(&cfg.Step, "step", 60, "largest move between reports in meters")
	f.Float64Var(&cfg.Excursion, "excursion", 0.05, "chance per report of heading out of the zone")
	f.IntVar(&cfg.Count, "count", 0, "stop after this many reports, 0 runs until interrupted")
	f.Int64Var(&cfg.Seed, "seed", 0, "random seed, 0 picks one")
	return cmd
}
