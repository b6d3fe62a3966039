package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stanzaai/sonicgate/internal/auth"
	"github.com/stanzaai/sonicgate/internal/backend"
	"github.com/stanzaai/sonicgate/internal/broker"
	"github.com/stanzaai/sonicgate/internal/config"
	"github.com/stanzaai/sonicgate/internal/creds"
	"github.com/stanzaai/sonicgate/internal/gateway"
	"github.com/stanzaai/sonicgate/internal/health"
	"github.com/stanzaai/sonicgate/internal/kb"
	"github.com/stanzaai/sonicgate/internal/observability"
	"github.com/stanzaai/sonicgate/internal/tools"
	"github.com/stanzaai/sonicgate/internal/transcript"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace, prometheus.DefaultRegisterer)

	ctx := context.Background()
	store, err := transcript.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("transcript store init failed: %v", err)
	}
	defer store.Close()

	var retriever kb.Retriever
	if cfg.KnowledgeBaseID != "" {
		r, err := kb.New(ctx, kb.Config{
			KnowledgeBaseID: cfg.KnowledgeBaseID,
			Region:          cfg.KnowledgeBaseRegion,
			ModelARN:        cfg.RAGModelARN,
		})
		if err != nil {
			log.Fatalf("knowledge base client init failed: %v", err)
		}
		retriever = r
		log.Printf("knowledge base %s in %s (rag=%v)", cfg.KnowledgeBaseID, cfg.KnowledgeBaseRegion, cfg.UseRAG)
	} else {
		log.Printf("no knowledge base configured")
	}
	dispatcher := tools.New(retriever, cfg.KnowledgeBaseID, cfg.UseRAG)

	var validator gateway.TokenValidator
	if cfg.AuthEnabled() {
		cache := auth.NewKeyCache(cfg.CognitoRegion, cfg.UserPoolID, cfg.JWKSCacheTTL)
		validator = auth.NewVerifier(cache, cfg.CognitoRegion, cfg.UserPoolID)
		log.Printf("cognito auth enabled for pool %s", cfg.UserPoolID)
	} else {
		log.Printf("cognito auth disabled: no user pool configured")
	}

	source, err := creds.NewChainSource(ctx, cfg.BedrockRegion)
	if err != nil {
		log.Fatalf("credential source init failed: %v", err)
	}
	opener := &backend.BedrockOpener{ModelID: cfg.ModelID, Region: cfg.BedrockRegion}

	factory := func(connID string) (gateway.Session, error) {
		manager := creds.NewManager(source, cfg.CredentialRefreshMargin, cfg.CredentialRefreshInterval)
		manager.OnRefresh = func(outcome string) {
			metrics.CredentialRefreshes.WithLabelValues(outcome).Inc()
		}
		return broker.New(opener, manager, dispatcher, connID), nil
	}

	ws := gateway.New(cfg, validator, factory, store, metrics)
	wsServer := &http.Server{Addr: cfg.BindAddr, Handler: ws.Router()}
	healthServer := &http.Server{Addr: cfg.HealthBindAddr, Handler: health.Router(observability.MetricsHandler())}

	go func() {
		log.Printf("websocket server listening on %s", cfg.BindAddr)
		if err := wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("websocket listen error: %v", err)
		}
	}()
	go func() {
		log.Printf("health server listening on %s", cfg.HealthBindAddr)
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("health listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("websocket graceful shutdown failed: %v", err)
		_ = wsServer.Close()
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("health graceful shutdown failed: %v", err)
		_ = healthServer.Close()
	}

	log.Printf("shutdown complete")
}
