package app

import (
	"context"
	"errors"
	"fmt"

	"xchain-radar/internal/flows"
)

// ImportFlows loads a flows_daily CSV export into Postgres.
func (a *App) ImportFlows(ctx context.Context, path string) error {
	rows, err := flows.LoadCSVFile(path)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("%s contains no rows", path)
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn 未配置，无法导入")
	}
	defer closeStore()

	if err := store.UpsertFlows(ctx, rows); err != nil {
		return err
	}
	a.Logger.Info().Int("rows", len(rows)).Str("path", path).Msg("flows imported")
	return nil
}
