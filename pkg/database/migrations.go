package database

import (
	"context"
	stdsql "database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql
)

//go:embed migrations
var migrationsFS embed.FS

// Migration chains. Each chain owns a directory of embedded SQL files and
// targets one schema family: "butler" applies to every per-butler schema,
// the others to their singleton schema.
const (
	ChainShared      = "shared"
	ChainSwitchboard = "switchboard"
	ChainButler      = "butler"
	ChainMessenger   = "messenger"
)

// Chains lists the known migration chains, sorted.
func Chains() []string {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil
	}
	var chains []string
	for _, entry := range entries {
		if entry.IsDir() {
			chains = append(chains, entry.Name())
		}
	}
	sort.Strings(chains)
	return chains
}

// Migrate applies all pending migrations for one chain against one schema.
//
// Migration files are embedded into the binary with go:embed so production
// deployments never need external files. Each (chain, schema) pair keeps its
// own schema_migrations table inside the target schema, which lets the butler
// chain run independently against every per-butler schema.
func Migrate(ctx context.Context, cfg Config, chain, schema string) error {
	if _, err := fs.ReadDir(migrationsFS, "migrations/"+chain); err != nil {
		return fmt.Errorf("unknown migration chain %q: %w", chain, err)
	}

	db, err := stdsql.Open("pgx", cfg.DSN())
	if err != nil {
		return fmt.Errorf("opening database for migrations: %w", err)
	}
	defer func() { _ = db.Close() }()

	// One connection, so the SET search_path below holds for every
	// statement the migration driver issues.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging database for migrations: %w", err)
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %q", schema)); err != nil {
		return fmt.Errorf("creating schema %s: %w", schema, err)
	}
	// The postgres driver resolves unqualified tables through the session
	// search_path, so the chain's DDL lands in the target schema.
	if _, err := db.ExecContext(ctx, fmt.Sprintf("SET search_path TO %q, shared, public", schema)); err != nil {
		return fmt.Errorf("setting search_path for %s: %w", schema, err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{
		SchemaName:      schema,
		MigrationsTable: "schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("creating postgres migration driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations/"+chain)
	if err != nil {
		return fmt.Errorf("creating migration source for chain %s: %w", chain, err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, cfg.Database, driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying %s migrations to %s: %w", chain, schema, err)
	}

	// Close only the source driver. m.Close() would also close the database
	// driver, which closes the shared *sql.DB we are about to close ourselves.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("closing migration source: %w", err)
	}
	return nil
}
