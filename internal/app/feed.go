package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petervdpas/famcall/internal/config"
	"github.com/petervdpas/famcall/internal/realtime"
	"github.com/petervdpas/famcall/internal/store"
	"github.com/petervdpas/famcall/internal/util"
)

// RunFeed serves the row-change feed for a store shared by several agents.
// It makes no calls itself.
func RunFeed(ctx context.Context, dir string, cfg config.Config) error {
	addr := cfg.Realtime.ListenAddr
	if addr == "" {
		return errors.New("realtime.listen_addr is required to serve the feed")
	}
	if err := config.ApplyLogLevels(cfg.Log); err != nil {
		return err
	}
	dbPath := util.ResolvePath(dir, cfg.Store.Path)
	db, err := store.Open(dbPath, store.WithStaleWindow(time.Duration(cfg.Store.StaleWindowSec)*time.Second))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	go db.Tail(ctx, tailInterval)

	log.Infof("feed for %s", dbPath)
	return realtime.New(db.Hub(), db).Serve(ctx, addr)
}

// LinkFamily records that child and member may call each other.
func LinkFamily(ctx context.Context, dir string, cfg config.Config, childID, memberID string, role store.Party) error {
	db, err := store.Open(util.ResolvePath(dir, cfg.Store.Path))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	return db.LinkFamily(ctx, childID, memberID, role)
}
