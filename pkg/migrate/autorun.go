package migrate

import (
	"context"
	"fmt"

	"github.com/angelmondragon/libraryloans-backend/pkg/config"
	"github.com/angelmondragon/libraryloans-backend/pkg/db"
	"github.com/angelmondragon/libraryloans-backend/pkg/logger"
)

// MaybeRunDev applies the schema automatically when running in dev mode with the
// auto-migrate flag set. sqlite databases get the model-derived schema instead of goose.
func MaybeRunDev(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	if !cfg.App.IsDev() || !cfg.FeatureFlags.AutoMigrate {
		return nil
	}

	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "driver": cfg.DB.Driver})

	if cfg.FeatureFlags.UseSQLite || cfg.DB.Driver == db.DriverSQLite {
		logg.Info(ctx, "applying sqlite schema (dev auto-run)")
		if err := ApplySQLiteSchema(client.DB()); err != nil {
			return fmt.Errorf("applying sqlite schema: %w", err)
		}
		return nil
	}

	sqlDB, err := client.SQL()
	if err != nil {
		return fmt.Errorf("extracting sql.DB: %w", err)
	}

	logg.Info(ctx, "running goose migrations (dev auto-run)")
	if err := Run(ctx, sqlDB, Embedded(), "up"); err != nil {
		return fmt.Errorf("running goose up: %w", err)
	}
	logg.Info(ctx, "goose migrations completed")
	return nil
}
