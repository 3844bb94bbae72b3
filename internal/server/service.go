package server

import (
	"context"

	"github.com/matt-riley/signcast/internal/client"
	"github.com/matt-riley/signcast/internal/playback"
	"github.com/matt-riley/signcast/internal/poller"
	"github.com/matt-riley/signcast/internal/repository"
)

// Player is the playback side of the control surface.
type Player interface {
	View() playback.View
	UpdateQuery(update func(playback.Query) (playback.Query, error)) (playback.Query, error)
	Refresh()
	Ready() bool
}

// Dashboard is the context poller side of the control surface.
type Dashboard interface {
	View() poller.View
	SetCity(city string)
	Refresh()
}

// RuleChecker triggers a rule re-evaluation on the rule service.
type RuleChecker interface {
	CheckRules(ctx context.Context, storeID string) (client.CheckResult, error)
}

// Database reports storage connectivity.
type Database interface {
	Ping(ctx context.Context) error
}

// PlayHistory lists recorded plays.
type PlayHistory interface {
	ListPlays(ctx context.Context, storeID string, limit int) ([]repository.Play, error)
}

var (
	_ Player      = (*playback.Player)(nil)
	_ Dashboard   = (*poller.Poller)(nil)
	_ RuleChecker = (*client.Client)(nil)
	_ PlayHistory = (*repository.PostgresRepository)(nil)
	_ Database    = (*repository.PostgresRepository)(nil)
)
