package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/petervdpas/goopcall/internal/state"
	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/petervdpas/goopcall/internal/storage/mongostore"
	"github.com/petervdpas/goopcall/internal/storage/pgstore"
	"github.com/petervdpas/goopcall/internal/util"
)

// openStore opens the signaling store named by cfg.Store.Driver.
func openStore(ctx context.Context, peerDir string, cfg config.Store) (signaling.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		log.Printf("STORE: in-memory (this process only)")
		return state.NewCallTable(), nil

	case config.DriverSQLite:
		dir := util.ResolvePath(peerDir, cfg.SQLiteDir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite dir: %w", err)
		}
		db, err := storage.Open(dir)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		log.Printf("STORE: sqlite %s", db.Path())
		return db, nil

	case config.DriverMongo:
		cctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
		defer cancel()
		st, err := mongostore.Open(cctx, mongostore.Options{
			URI:      cfg.MongoURI,
			Database: cfg.MongoDatabase,
			TTL:      time.Duration(cfg.MongoTTLHours) * time.Hour,
		})
		if err != nil {
			return nil, err
		}
		log.Printf("STORE: mongo database %s", cfg.MongoDatabase)
		return st, nil

	case config.DriverPostgres:
		cctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
		defer cancel()
		st, err := pgstore.NewStore(cctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		log.Printf("STORE: postgres")
		return st, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// storeReady probes the store with a lookup that must come back not-found.
func storeReady(st signaling.Store) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := st.GetCall(ctx, "readyz-probe")
		if err == nil || errors.Is(err, signaling.ErrNotFound) {
			return nil
		}
		return err
	}
}
