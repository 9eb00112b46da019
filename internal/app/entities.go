package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustinyejun/monitor-bot/internal/config"
	"github.com/dustinyejun/monitor-bot/internal/solana"
	"github.com/dustinyejun/monitor-bot/internal/storage"
	"github.com/dustinyejun/monitor-bot/internal/twitter"
	logx "github.com/dustinyejun/monitor-bot/pkg/logx"
)

// seedEntities syncs the configured wallets and accounts into the entity
// table. Configured entries are upserted active; entries that disappeared
// from the config are deactivated, never deleted, so their cursors and event
// history survive a config mistake.
func (a *App) seedEntities(ctx context.Context, cfg *config.Config) error {
	if sc := cfg.Monitors.Solana; sc != nil && sc.Enabled {
		wanted := map[string]storage.Entity{}
		for _, w := range sc.Wallets {
			addr := strings.TrimSpace(w.Address)
			id := solana.SourceType + ":" + addr
			wanted[id] = storage.Entity{
				ID:             id,
				SourceType:     solana.SourceType,
				Address:        addr,
				Alias:          w.Alias,
				Active:         true,
				MinAmountSOL:   w.MinAmountSOL,
				ExcludedTokens: w.ExcludedTokens,
			}
		}
		if err := a.syncEntities(ctx, solana.SourceType, wanted); err != nil {
			return err
		}
	}

	if tc := cfg.Monitors.Twitter; tc != nil && tc.Enabled {
		wanted := map[string]storage.Entity{}
		for _, acct := range tc.Accounts {
			username := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(acct.Username, "@")))
			id := twitter.SourceType + ":" + username
			wanted[id] = storage.Entity{
				ID:         id,
				SourceType: twitter.SourceType,
				Address:    username,
				Alias:      acct.Alias,
				Active:     true,
			}
		}
		if err := a.syncEntities(ctx, twitter.SourceType, wanted); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) syncEntities(ctx context.Context, sourceType string, wanted map[string]storage.Entity) error {
	for _, e := range wanted {
		if err := a.store.UpsertEntity(ctx, e); err != nil {
			return fmt.Errorf("upsert %s: %w", e.ID, err)
		}
	}

	existing, err := a.store.ListEntities(ctx, sourceType)
	if err != nil {
		return err
	}
	for _, e := range existing {
		if _, still := wanted[e.ID]; still || !e.Active {
			continue
		}
		if err := a.store.SetEntityActive(ctx, e.ID, false); err != nil {
			return fmt.Errorf("deactivate %s: %w", e.ID, err)
		}
		a.log.Info("entity removed from config; deactivated",
			logx.String("entity", e.ID))
	}
	return nil
}
