package commands

import (
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"nuha.dev/safezone/internal/store/impl/pgstore"
)

func initdbCmd() *cobra.Command {
	var demo bool
	cmd := &cobra.Command{
		Use:   "initdb",
		Short: "Create the postgres schema and the demo accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := log.DefaultLogger
			logger.Context = log.NewContext(nil).Str("module", "initdb").Value()

			pool, err := pgxpool.Connect(ctx, viper.GetString("db_url"))
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := pgstore.Migrate(ctx, pool); err != nil {
				return err
			}
			logger.Info().Msg("schema ready")
			if !demo {
				return nil
			}
			return seedDemo(ctx, pgstore.NewStore(pool, nil), logger)
		},
	}
	cmd.Flags().String("db-url", "", "postgres url, overrides db_url")
	cmd.Flags().BoolVar(&demo, "demo", true, "create the demo accounts")
	_ = viper.BindPFlag("db_url", cmd.Flags().Lookup("db-url"))
	return cmd
}
