// Package factory wires configuration to concrete implementations.
package factory

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/contactmesh/contactmesh/internal/config"
	storepkg "github.com/contactmesh/contactmesh/internal/store"
	storepg "github.com/contactmesh/contactmesh/internal/store/postgres"
	storesqlite "github.com/contactmesh/contactmesh/internal/store/sqlite"
)

// NewStore returns the store selected by cfg.DBDriver. SQLite opens and
// migrates synchronously; Postgres opens synchronously and runs its
// bootstrap check in the background so startup stays fast.
func NewStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (storepkg.Store, error) {
	switch cfg.DBDriver {
	case "sqlite":
		s, err := storesqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		log.Debug().Str("driver", "sqlite").Str("path", cfg.SQLitePath).Msg("store opened")
		return s, nil

	case "postgres":
		db, err := storepg.Open(cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}

		go func() {
			bootstrapCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()

			if err := storepg.Bootstrap(bootstrapCtx, cfg.PostgresDSN); err != nil {
				log.Warn().Err(err).Str("driver", cfg.DBDriver).Msg("store bootstrap check failed")
			} else {
				log.Debug().Str("driver", cfg.DBDriver).Msg("store bootstrap check completed")
			}
		}()

		return storepg.NewWithDB(db), nil

	default:
		return nil, fmt.Errorf("unknown DB_DRIVER: %s", cfg.DBDriver)
	}
}
