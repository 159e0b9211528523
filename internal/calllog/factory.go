package calllog

import (
	"context"

	"go.uber.org/zap"
)

// NewStore picks the call log backend: Postgres when a database URL is
// configured, otherwise the in-process ring. A database that cannot be
// reached at startup degrades to the ring rather than blocking calls.
func NewStore(ctx context.Context, databaseURL string, log *zap.Logger) Store {
	if log == nil {
		log = zap.NewNop()
	}
	if databaseURL == "" {
		log.Info("call log using in-memory store")
		return NewMemoryStore()
	}
	pg, err := NewPostgresStore(ctx, databaseURL)
	if err != nil {
		log.Warn("call log database unavailable, falling back to in-memory store", zap.Error(err))
		return NewMemoryStore()
	}
	log.Info("call log using postgres store")
	return pg
}
