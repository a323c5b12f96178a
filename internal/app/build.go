package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/ent0n29/voicerag/internal/backend"
	"github.com/ent0n29/voicerag/internal/config"
	"github.com/ent0n29/voicerag/internal/httpapi"
	"github.com/ent0n29/voicerag/internal/knowledge"
	"github.com/ent0n29/voicerag/internal/observability"
	"github.com/ent0n29/voicerag/internal/policy"
	"github.com/ent0n29/voicerag/internal/router"
	"github.com/ent0n29/voicerag/internal/session"
	"github.com/ent0n29/voicerag/internal/sessionconfig"
	"github.com/ent0n29/voicerag/internal/tools"
)

type BuildResult struct {
	Config   config.Config
	Profile  backend.Profile
	API      *httpapi.Server
	Router   *router.Router
	Sessions *session.Manager
	Metrics  *observability.Metrics
	Searcher knowledge.Searcher

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

// Build wires the relay from cfg. Any configuration problem is returned
// before a listener is opened.
func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	values := cfg.Values()

	profile, err := backend.Select(cfg.UseVoiceLive, values)
	if err != nil {
		return nil, err
	}
	overrides, err := sessionconfig.ParseOverrides(values)
	if err != nil {
		return nil, err
	}

	searcher, err := knowledge.NewSearcher(ctx, knowledge.Config{
		Mode:        cfg.SearchMode,
		DatabaseURL: cfg.DatabaseURL,
		AzureSearch: knowledge.AzureSearchConfig{
			Endpoint:        cfg.AzureSearchEndpoint,
			Index:           cfg.AzureSearchIndex,
			APIKey:          cfg.AzureSearchAPIKey,
			SemanticConfig:  cfg.AzureSearchSemanticConfig,
			IdentifierField: cfg.AzureSearchIdentifierField,
			ContentField:    cfg.AzureSearchContentField,
			TitleField:      cfg.AzureSearchTitleField,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge searcher init failed: %w", err)
	}
	log.Info().
		Str("mode", searcher.Mode()).
		Str("azure_search_key", policy.MaskSecret(cfg.AzureSearchAPIKey)).
		Msg("knowledge searcher ready")

	registry, err := tools.NewRegistry(tools.RAGTools(searcher, cfg.SearchTop)...)
	if err != nil {
		_ = searcher.Close()
		return nil, err
	}

	sc, err := sessionconfig.Build(profile, registry.Declarations(), overrides)
	if err != nil {
		_ = searcher.Close()
		return nil, err
	}
	for _, w := range sc.Warnings {
		log.Warn().Str("backend", string(profile.Kind())).Msg("session config: " + w)
	}
	log.Info().
		Str("turn_detection", string(sc.TurnDetection.Mode)).
		Str("voice", sc.Voice).
		Strs("tools", registry.Names()).
		Msg("session configuration resolved")

	dialer := backend.NewDialer(backend.NewTokenSource(ctx, values))
	if err := dialer.Warm(profile); err != nil {
		log.Warn().Err(err).Msg("could not pre-fetch backend token; sessions will retry")
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	sessions := session.NewManager(cfg.SessionInactivityTimeout)

	relay, err := router.New(router.Config{
		Profile:           profile,
		SessionConfig:     sc,
		Dialer:            router.WebsocketDialer{Backend: dialer},
		Bridge:            tools.NewBridge(registry, cfg.ToolTimeout),
		Sessions:          sessions,
		Metrics:           metrics,
		ConfigureTimeout:  cfg.ConfigureTimeout,
		MaxProtocolErrors: cfg.MaxProtocolErrors,
	})
	if err != nil {
		_ = searcher.Close()
		return nil, err
	}
	sessions.SetExpireHook(func(s *session.Session) {
		metrics.SessionEvents.WithLabelValues(s.Backend, "expired").Inc()
		relay.Terminate(s.ID, router.ReasonExpired)
	})

	api := httpapi.New(cfg, sessions, relay, metrics, searcher.Mode())

	return &BuildResult{
		Config:   cfg,
		Profile:  profile,
		API:      api,
		Router:   relay,
		Sessions: sessions,
		Metrics:  metrics,
		Searcher: searcher,
		Cleanup:  searcher.Close,
	}, nil
}
