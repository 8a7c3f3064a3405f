// Package migrations contains all database migrations for the LCM
// engine. Migrations use Rails-style timestamp versioning
// (YYYYMMDDHHmmss).
package migrations

import (
	"github.com/openclaw/lcm/pkg/db"
)

// All returns all registered migrations in the correct order.
// New migrations should be added to this list.
func All() []db.Migration {
	return []db.Migration{
		Migration20260301090000CreateCoreSchema(),
		Migration20260301090001CreateContextItemsFTS(),
		Migration20260301090002AddPerformanceIndexes(),
	}
}

// AllWithoutFTS returns the migration set minus the FTS index, for
// sqlite builds that lack the FTS5 extension.
func AllWithoutFTS() []db.Migration {
	return []db.Migration{
		Migration20260301090000CreateCoreSchema(),
		Migration20260301090002AddPerformanceIndexes(),
	}
}
