package app

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/oterra/callgate/internal/bargein"
	"github.com/oterra/callgate/internal/call"
	"github.com/oterra/callgate/internal/calllog"
	"github.com/oterra/callgate/internal/capacity"
	"github.com/oterra/callgate/internal/config"
	"github.com/oterra/callgate/internal/engine"
	"github.com/oterra/callgate/internal/gate"
	"github.com/oterra/callgate/internal/httpapi"
	"github.com/oterra/callgate/internal/observability"
	"github.com/oterra/callgate/internal/speech"
)

// App is the wired application: the engine, its HTTP surface, and the
// cleanup needed at shutdown.
type App struct {
	Engine  *engine.Engine
	Handler http.Handler
	Metrics *observability.Metrics

	cfg     config.Config
	slots   capacity.Store
	events  calllog.Store
	log     *zap.Logger
}

// Build wires every component from config. Redis and Postgres are optional;
// their absence degrades to in-process equivalents so local development
// needs no infrastructure.
func Build(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	slots, err := capacity.NewStore(cfg.RedisURL, cfg.RedisKeyPrefix)
	if err != nil {
		return nil, err
	}
	if cfg.RedisURL == "" {
		log.Warn("no redis configured, capacity slots are process-local")
	}
	admission := capacity.NewController(slots, cfg.MaxActiveCalls, cfg.SlotTTL, log)

	events := calllog.NewStore(ctx, cfg.DatabaseURL, log)

	var dialer speech.Dialer
	if cfg.SpeechBackendURL != "" {
		dialer = speech.NewRealtimeDialer(speech.RealtimeConfig{
			URL:    cfg.SpeechBackendURL,
			APIKey: cfg.SpeechBackendAPIKey,
			Voice:  cfg.SpeechBackendVoice,
			Logger: log,
		})
	} else {
		log.Warn("no speech backend configured, using mock backend")
		dialer = speech.NewMockDialer()
	}

	eng := engine.New(
		admission,
		call.NewRegistry(),
		gate.NewSignalCache(cfg.PresenceCacheTTL),
		dialer,
		metrics,
		events,
		engine.Options{
			FrameInterval:       cfg.FrameInterval,
			CancelRetryDelay:    cfg.CancelRetryDelay,
			GateFallbackWindow:  cfg.GateFallbackWindow,
			MediaConnectTimeout: cfg.MediaConnectTimeout,
			Thresholds: bargein.Thresholds{
				MinResponseAge:      cfg.MinResponseAge,
				AudioRecency:        cfg.AudioRecencyWindow,
				TranscriptStaleness: cfg.TranscriptStaleness,
				CancelCooldown:      cfg.CancelCooldown,
			},
		},
		log,
	)
	eng.StartSweeper(ctx, cfg.SweepInterval)

	api := httpapi.NewServer(eng, metrics, cfg.AllowAnyOrigin, log)

	return &App{
		Engine:  eng,
		Handler: api.Router(),
		Metrics: metrics,
		cfg:     cfg,
		slots:   slots,
		events:  events,
		log:     log,
	}, nil
}

// Close tears down live calls and releases backing stores.
func (a *App) Close() {
	a.Engine.Shutdown()
	a.events.Close()
	if err := a.slots.Close(); err != nil {
		a.log.Warn("closing capacity store failed", zap.Error(err))
	}
}
