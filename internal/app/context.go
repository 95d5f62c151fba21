package app

import (
	"context"
	"errors"
	"fmt"

	"adpilot/internal/config"
	"adpilot/internal/repo"
)

// ResolveAccountAndConfig picks the active ad account and ensures its config
// exists in the DB, seeding defaults if missing. It prefers the override
// (internal id or platform external id), then the single-account DB.
func ResolveAccountAndConfig(ctx context.Context, accountOverride string, r repo.Repo) (string, *config.Config, error) {
	accountID := ""
	if accountOverride != "" {
		a, err := r.GetAccount(ctx, accountOverride)
		if errors.Is(err, repo.ErrNotFound) {
			a, err = r.GetAccountByExternalID(ctx, accountOverride)
		}
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", nil, fmt.Errorf("account %q not found; run `adpilot account init` first", accountOverride)
			}
			return "", nil, err
		}
		accountID = a.ID
	} else {
		a, err := r.SingleAccount(ctx)
		if err != nil {
			return "", nil, fmt.Errorf("account not specified; use --account")
		}
		accountID = a.ID
	}

	cfg, err := r.GetAccountConfig(ctx, accountID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		cfg = config.Default(accountID)
		if err := r.UpsertAccountConfig(ctx, accountID, cfg); err != nil {
			return "", nil, fmt.Errorf("seed account config: %w", err)
		}
	}
	cfg.Account.ID = accountID
	return accountID, cfg, nil
}
