// Package schema embeds the default database schema. The core does not
// version-migrate: Default is applied once, through Store.ApplySchema, and
// that is the whole of the core's relationship with schema evolution.
package schema

import _ "embed"

//go:embed default.sql
var Default string
