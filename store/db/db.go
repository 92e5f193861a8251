// Package db selects the store.Driver implementation for a profile.
package db

import (
	"github.com/pkg/errors"

	"github.com/hrygo/branchtalk/internal/profile"
	"github.com/hrygo/branchtalk/store"
	"github.com/hrygo/branchtalk/store/db/postgres"
	"github.com/hrygo/branchtalk/store/db/sqlite"
)

// NewDBDriver creates the database driver named by profile.Driver.
func NewDBDriver(profile *profile.Profile) (store.Driver, error) {
	switch profile.Driver {
	case "sqlite":
		return sqlite.NewDB(profile)
	case "postgres":
		return postgres.NewDB(profile)
	default:
		return nil, errors.Errorf("unsupported driver %q", profile.Driver)
	}
}
