package database

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres SQLSTATEs that make a grant a no-op rather than a failure.
const (
	sqlstateUndefinedObject       = "42704"
	sqlstateInsufficientPrivilege = "42501"
)

// EnsureSchemaPrivileges applies the per-butler ACL policy for one schema:
// the runtime role butler_<schema>_rw gets full DML on its own schema, read
// access on shared, and nothing anywhere else. All operations are
// best-effort: a missing role or insufficient privilege is logged and
// skipped so local development without the roles keeps working.
func EnsureSchemaPrivileges(ctx context.Context, db *stdsql.DB, schema string) {
	role := fmt.Sprintf("butler_%s_rw", schema)
	logger := slog.Default().With("component", "database", "schema", schema, "role", role)

	statements := []string{
		// Own schema: full table DML plus sequence and function access.
		fmt.Sprintf(`GRANT USAGE, CREATE ON SCHEMA %q TO %q`, schema, role),
		fmt.Sprintf(`GRANT SELECT, INSERT, UPDATE, DELETE, TRIGGER, REFERENCES ON ALL TABLES IN SCHEMA %q TO %q`, schema, role),
		fmt.Sprintf(`GRANT USAGE, SELECT, UPDATE ON ALL SEQUENCES IN SCHEMA %q TO %q`, schema, role),
		fmt.Sprintf(`GRANT EXECUTE ON ALL FUNCTIONS IN SCHEMA %q TO %q`, schema, role),
		fmt.Sprintf(`ALTER DEFAULT PRIVILEGES IN SCHEMA %q GRANT SELECT, INSERT, UPDATE, DELETE, TRIGGER, REFERENCES ON TABLES TO %q`, schema, role),
		fmt.Sprintf(`ALTER DEFAULT PRIVILEGES IN SCHEMA %q GRANT USAGE, SELECT, UPDATE ON SEQUENCES TO %q`, schema, role),

		// Shared schema: read-only.
		fmt.Sprintf(`GRANT USAGE ON SCHEMA shared TO %q`, role),
		fmt.Sprintf(`GRANT SELECT ON ALL TABLES IN SCHEMA shared TO %q`, role),
		fmt.Sprintf(`GRANT USAGE, SELECT ON ALL SEQUENCES IN SCHEMA shared TO %q`, role),
		fmt.Sprintf(`ALTER DEFAULT PRIVILEGES IN SCHEMA shared GRANT SELECT ON TABLES TO %q`, role),
		fmt.Sprintf(`REVOKE CREATE ON SCHEMA shared FROM %q`, role),

		// Lock down PUBLIC.
		`REVOKE CREATE ON SCHEMA public FROM PUBLIC`,
		fmt.Sprintf(`REVOKE ALL ON SCHEMA %q FROM PUBLIC`, schema),
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			if isSkippableGrantError(err) {
				logger.Debug("Skipping privilege statement", "error", err)
				continue
			}
			logger.Warn("Privilege statement failed", "error", err)
		}
	}
}

// RevokeCrossSchemaAccess revokes a butler role's access to every other
// butler schema. Best-effort, same skip policy as EnsureSchemaPrivileges.
func RevokeCrossSchemaAccess(ctx context.Context, db *stdsql.DB, schema string, otherSchemas []string) {
	role := fmt.Sprintf("butler_%s_rw", schema)
	logger := slog.Default().With("component", "database", "schema", schema, "role", role)

	for _, other := range otherSchemas {
		if other == schema || other == "shared" {
			continue
		}
		statements := []string{
			fmt.Sprintf(`REVOKE ALL ON ALL TABLES IN SCHEMA %q FROM %q`, other, role),
			fmt.Sprintf(`REVOKE ALL ON SCHEMA %q FROM %q`, other, role),
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				if isSkippableGrantError(err) {
					continue
				}
				logger.Warn("Cross-schema revoke failed", "target_schema", other, "error", err)
			}
		}
	}
}

func isSkippableGrantError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == sqlstateUndefinedObject || pgErr.Code == sqlstateInsufficientPrivilege
	}
	return false
}
