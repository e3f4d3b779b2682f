package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	"github.com/zw834675966/ems/internal/auth"
	"github.com/zw834675966/ems/internal/broker"
	"github.com/zw834675966/ems/internal/config"
	"github.com/zw834675966/ems/internal/control"
	"github.com/zw834675966/ems/internal/ingest"
	"github.com/zw834675966/ems/internal/normalize"
	"github.com/zw834675966/ems/internal/observability/metrics"
	"github.com/zw834675966/ems/internal/online"
	"github.com/zw834675966/ems/internal/pipeline"
	pgstore "github.com/zw834675966/ems/internal/storage/postgres"
	redisstore "github.com/zw834675966/ems/internal/storage/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger := log.New(os.Stdout, "", log.LstdFlags)

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}
	if cfg.RequireTimeseriesExt {
		if err := pgstore.RequireTimeseriesExt(context.Background(), db); err != nil {
			logger.Fatalf("timeseries extension check failed: %v", err)
		}
	}

	rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer rdb.Close()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Fatalf("redis ping error: %v", err)
	}

	metrics.Init(prometheus.DefaultRegisterer)

	measurementStore := pgstore.NewMeasurementStore(db)
	commandStore := pgstore.NewCommandStore(db)
	receiptStore := pgstore.NewReceiptStore(db)
	auditStore := pgstore.NewAuditStore(db)
	masterdataStore := pgstore.NewMasterdataStore(db)
	realtimeStore := redisstore.NewRealtimeStore(rdb, cfg.Cache.LastValueTTL())
	onlineStore := redisstore.NewOnlineStore(rdb, cfg.Cache.OnlineTTL())

	var mqttClient broker.Client
	if cfg.IngestEnabled || cfg.ControlEnabled {
		client, err := broker.Connect(broker.Config{
			Host:     cfg.Broker.Host,
			Port:     cfg.Broker.Port,
			Username: cfg.Broker.Username,
			Password: cfg.Broker.Password,
		}, logger)
		if err != nil {
			logger.Fatalf("broker connect error: %v", err)
		}
		mqttClient = client
		defer client.Close()
	}

	tracker, err := online.NewTracker(masterdataStore, masterdataStore, onlineStore, logger)
	if err != nil {
		logger.Fatalf("online tracker error: %v", err)
	}

	var pipe *pipeline.Pipeline
	if cfg.IngestEnabled {
		provider, err := normalize.NewCachedProvider(normalize.NewStoreProvider(masterdataStore), cfg.MappingCacheSize)
		if err != nil {
			logger.Fatalf("mapping cache error: %v", err)
		}
		normalizer, err := normalize.NewNormalizer(provider)
		if err != nil {
			logger.Fatalf("normalizer error: %v", err)
		}
		writer, err := pipeline.NewStoreWriter(measurementStore)
		if err != nil {
			logger.Fatalf("pipeline writer error: %v", err)
		}
		pipe, err = pipeline.New(writer, pipeline.NewStorePostWrite(realtimeStore, tracker, logger), pipeline.Config{
			BatchSize:      cfg.Pipeline.BatchSize,
			MaxBufferSize:  cfg.Pipeline.MaxBufferSize,
			MaxRetries:     cfg.Pipeline.MaxRetries,
			DedupCacheSize: cfg.Pipeline.DedupCacheSize,
			MaxAgeMs:       cfg.Pipeline.MaxAgeMs,
			FlushInterval:  cfg.Pipeline.FlushInterval(),
		}, logger)
		if err != nil {
			logger.Fatalf("pipeline error: %v", err)
		}
		handler, err := ingest.NewHandler(normalizer, pipe, logger)
		if err != nil {
			logger.Fatalf("ingest handler error: %v", err)
		}
		source, err := ingest.NewMQTTSource(ingest.SourceConfig{
			DataPrefix:      cfg.Broker.DataPrefix,
			IncludeSourceID: cfg.Broker.DataIncludeSourceID,
			QoS:             byte(cfg.Broker.DataQoS),
		}, logger)
		if err != nil {
			logger.Fatalf("ingest source error: %v", err)
		}
		if err := source.Start(mqttClient, handler); err != nil {
			logger.Fatalf("ingest subscribe error: %v", err)
		}
	}

	reapCtx, cancelReap := context.WithCancel(context.Background())
	defer cancelReap()

	var commandService *control.Service
	if cfg.ControlEnabled {
		dispatcher, err := control.NewMQTTDispatcher(mqttClient, control.DispatcherConfig{
			CommandPrefix: cfg.Broker.CommandPrefix,
			IncludeTarget: cfg.Broker.CmdIncludeTarget,
			QoS:           byte(cfg.Broker.CmdQoS),
		}, logger)
		if err != nil {
			logger.Fatalf("dispatcher error: %v", err)
		}
		commandService, err = control.NewService(commandStore, auditStore, dispatcher, control.ServiceConfig{
			DispatchMaxRetries: cfg.DispatchMaxRetries,
			DispatchBackoff:    time.Duration(cfg.DispatchBackoffMs) * time.Millisecond,
		}, logger)
		if err != nil {
			logger.Fatalf("command service error: %v", err)
		}
		listener, err := control.NewReceiptListener(commandStore, receiptStore, auditStore, control.ReceiptListenerConfig{
			ReceiptPrefix: cfg.Broker.ReceiptPrefix,
			QoS:           byte(cfg.Broker.ReceiptQoS),
		}, logger)
		if err != nil {
			logger.Fatalf("receipt listener error: %v", err)
		}
		if err := listener.Start(mqttClient); err != nil {
			logger.Fatalf("receipt subscribe error: %v", err)
		}
		reaper, err := control.NewReaper(commandStore, auditStore, control.ReaperConfig{
			ReceiptTimeout: time.Duration(cfg.ReceiptTimeoutSeconds) * time.Second,
		}, logger)
		if err != nil {
			logger.Fatalf("reaper error: %v", err)
		}
		go reaper.Run(reapCtx)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if commandService != nil {
		mux.Handle("/api/commands", issueCommandHandler(commandService, []byte(cfg.JWTSecret), logger))
	}

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		logger.Printf("http listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Printf("shutting down")

	cancelReap()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutSecond)*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if pipe != nil {
		if err := pipe.Shutdown(shutdownCtx); err != nil {
			logger.Printf("pipeline drain incomplete: %v", err)
		}
	}
}

// issueCommandHandler is the thin HTTP boundary through which the external
// API surface reaches the command service. Authentication is a bearer JWT
// carrying the tenant context.
func issueCommandHandler(service *control.Service, jwtSecret []byte, logger *log.Logger) http.Handler {
	type issueRequest struct {
		ProjectID string          `json:"project_id"`
		Target    string          `json:"target"`
		Payload   json.RawMessage `json:"payload"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		claims, err := auth.ParseJWT(token, jwtSecret)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var req issueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if req.ProjectID == "" || req.Target == "" {
			http.Error(w, "project_id and target required", http.StatusBadRequest)
			return
		}
		tctx := claims.TenantContext()
		cmd, err := service.Issue(r.Context(), tctx, control.Request{
			ProjectID: req.ProjectID,
			Target:    req.Target,
			Payload:   req.Payload,
		})
		if err != nil {
			logger.Printf("command issue failed: %v", err)
			http.Error(w, "dispatch failed", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"command_id": cmd.CommandID,
			"status":     cmd.Status,
			"issued_at":  cmd.IssuedAtMs,
		})
	})
}
