package main

import (
	"context"

	"github.com/WilliamJin123/tract/pkg/tokencount"
	"github.com/WilliamJin123/tract/pkg/tract"
)

// openTract opens the tract named by the --db/--tract-id/--encoding
// persistent flags shared by every subcommand.
func openTract(ctx context.Context) (*tract.Tract, error) {
	counter, err := tokencount.NewCounter(encoding)
	if err != nil {
		return nil, err
	}
	return tract.Open(ctx, tract.Config{
		Path:    dbPath,
		TractID: tractID,
		Counter: counter,
	})
}
