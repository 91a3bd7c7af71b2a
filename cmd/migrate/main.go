package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/libraryloans-backend/pkg/config"
	"github.com/angelmondragon/libraryloans-backend/pkg/db"
	"github.com/angelmondragon/libraryloans-backend/pkg/logger"
	"github.com/angelmondragon/libraryloans-backend/pkg/migrate"
)

type options struct {
	dir     string
	name    string
	version string
}

// offline commands never open a database connection.
var offline = map[string]func(options) error{
	"create": func(o options) error {
		if o.name == "" {
			return fmt.Errorf("missing -name for create")
		}
		path, err := migrate.CreateSQLMigration(o.dir, o.name)
		if err != nil {
			return err
		}
		fmt.Println("created migration:", path)
		return nil
	},
	"validate": func(o options) error {
		if err := migrate.ValidateDir(o.dir); err != nil {
			return err
		}
		fmt.Println("migration validation passed")
		return nil
	},
}

var online = map[string]func(context.Context, *sql.DB, migrate.Source, options) error{
	"up":      gooseCommand("up"),
	"down":    gooseCommand("down"),
	"status":  gooseCommand("status"),
	"redo":    gooseCommand("redo"),
	"reset":   gooseCommand("reset"),
	"version": migrateToVersion,
}

func migrateToVersion(ctx context.Context, conn *sql.DB, src migrate.Source, o options) error {
	if o.version == "" {
		return fmt.Errorf("missing -version for version command")
	}
	return migrate.MigrateToVersion(ctx, conn, src, o.version)
}

func gooseCommand(name string) func(context.Context, *sql.DB, migrate.Source, options) error {
	return func(ctx context.Context, conn *sql.DB, src migrate.Source, _ options) error {
		return migrate.Run(ctx, conn, src, name)
	}
}

func main() {
	logg := logger.New(logger.Options{ServiceName: "migrate"})
	_ = godotenv.Load()

	cmd := flag.String("cmd", "up", "migration command: "+strings.Join(commandNames(), "|"))
	dir := flag.String("dir", migrate.DefaultDir, "goose migrations directory on disk")
	useDisk := flag.Bool("disk", false, "read migrations from -dir instead of the embedded set")
	name := flag.String("name", "", "migration name (for create)")
	version := flag.String("version", "", "target version (YYYYMMDDHHMMSS) for -cmd=version")
	flag.Parse()

	opts := options{dir: *dir, name: *name, version: *version}

	if run, ok := offline[*cmd]; ok {
		if err := run(opts); err != nil {
			fmt.Fprintf(os.Stderr, "%s failed: %v\n", *cmd, err)
			os.Exit(1)
		}
		return
	}
	run, ok := online[*cmd]
	if !ok {
		fmt.Fprintln(os.Stderr, "unknown -cmd value:", *cmd)
		os.Exit(1)
	}

	cfg, err := config.Load()
	requireResource(context.Background(), logg, "config", err)

	logg = logger.New(logger.Options{
		ServiceName: "migrate",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	src := migrate.Embedded()
	if *useDisk {
		src = migrate.Disk(*dir)
	}
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":  cfg.App.Env,
		"cmd":  *cmd,
		"disk": *useDisk,
	})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	requireResource(ctx, logg, "database", err)
	defer dbClient.Close()

	sqlDB, err := dbClient.SQL()
	requireResource(ctx, logg, "sql database", err)

	logg.Info(ctx, "migrate ready")
	if err := run(ctx, sqlDB, src, opts); err != nil {
		logg.Error(ctx, "migration failed", err)
		dbClient.Close()
		os.Exit(1)
	}
	logg.Info(ctx, "migration complete")
}

func commandNames() []string {
	names := make([]string, 0, len(offline)+len(online))
	for name := range offline {
		names = append(names, name)
	}
	for name := range online {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
