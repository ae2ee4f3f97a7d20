package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"policy-llm/backend/internal/ai"
	"policy-llm/backend/internal/api"
	"policy-llm/backend/internal/audit"
	"policy-llm/backend/internal/config"
	"policy-llm/backend/internal/contract"
	"policy-llm/backend/internal/opa"
	"policy-llm/backend/internal/pipeline"
	"policy-llm/backend/internal/prompt"
	"policy-llm/backend/internal/signing"
	"policy-llm/backend/internal/store"
)

func main() {
	cfg, err := config.Load(os.LookupEnv)
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	log := logrus.StandardLogger()
	if err := cfg.ConfigureLogging(log); err != nil {
		logrus.Fatalf("configure logging: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("invalid config: %v", err)
	}

	signer, err := signing.New(cfg.SigningSecret)
	if err != nil {
		logrus.Fatalf("create signer: %v", err)
	}
	outputContract, err := contract.New(log)
	if err != nil {
		logrus.Fatalf("compile output contract: %v", err)
	}

	notifier := api.NewDecisionNotifier()

	var reader api.DecisionReader
	var db *store.Database
	if cfg.DBPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			logrus.Fatalf("create data directory: %v", err)
		}
		db, err = store.Open(cfg.DBPath, log.GetLevel() < logrus.DebugLevel)
		if err != nil {
			logrus.Fatalf("open decision store: %v", err)
		}
		reader = db
	} else {
		logrus.Info("decision store disabled - no database path configured")
	}

	var chain *audit.ChainLog
	if cfg.AuditLogPath != "" {
		chain, err = audit.OpenChainLog(cfg.AuditLogPath)
		if err != nil {
			logrus.Fatalf("open audit log: %v", err)
		}
	}

	recorder := audit.NewAsyncRecorder(audit.AsyncConfig{QueueSize: cfg.AuditQueueSize}, log, auditSinks(db, chain, notifier)...)

	modelClient := ai.NewClient(ai.Config{
		BaseURL: cfg.OllamaURL,
		Model:   cfg.Model,
		Timeout: cfg.ModelTimeout,
	}, log)
	policyClient := opa.NewClient(opa.Config{
		URL:     cfg.OPAURL,
		Timeout: cfg.PolicyTimeout,
	}, log)

	decisions, err := pipeline.New(pipeline.Deps{
		Prompts:  prompt.NewBuilder(0),
		Model:    modelClient,
		Contract: outputContract,
		Policy:   policyClient,
		Audit:    recorder,
		Signer:   signer,
		TTL:      cfg.DecisionTTL,
		Log:      log,
	})
	if err != nil {
		logrus.Fatalf("create pipeline: %v", err)
	}

	server, err := api.NewServer(api.Config{
		Pipeline:       decisions,
		Models:         modelClient,
		Decisions:      reader,
		Notifier:       notifier,
		ModelName:      modelClient.Model(),
		OllamaURL:      modelClient.BaseURL(),
		OPAURL:         policyClient.URL(),
		AllowedOrigins: cfg.AllowedOrigins,
		Log:            log,
	})
	if err != nil {
		logrus.Fatalf("create server: %v", err)
	}

	router, err := server.Router()
	if err != nil {
		logrus.Fatalf("configure router: %v", err)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logrus.WithFields(logrus.Fields{
			"model":      modelClient.Model(),
			"ollama_url": modelClient.BaseURL(),
			"opa_url":    policyClient.URL(),
			"store":      cfg.DBPath != "",
			"chain_log":  cfg.AuditLogPath != "",
		}).Infof("starting policy-llm backend on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("server exited: %v", err)
		}
	}()

	<-ctx.Done()
	logrus.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("http shutdown")
	}

	recorder.Close()
	if chain != nil {
		if err := chain.Close(); err != nil {
			logrus.WithError(err).Warn("close audit log")
		}
	}
	if db != nil {
		if err := db.Close(); err != nil {
			logrus.WithError(err).Warn("close decision store")
		}
	}
}

// auditSinks puts the durable sinks ahead of the live feed.
func auditSinks(db *store.Database, chain *audit.ChainLog, feed audit.Sink) []audit.Sink {
	var sinks []audit.Sink
	if db != nil {
		sinks = append(sinks, audit.NewStoreSink(db))
	}
	if chain != nil {
		sinks = append(sinks, chain)
	}
	if feed != nil {
		sinks = append(sinks, feed)
	}
	return sinks
}
