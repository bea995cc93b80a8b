package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/studyhive/hive-realtime/internal/auth"
	"github.com/studyhive/hive-realtime/internal/config"
	"github.com/studyhive/hive-realtime/internal/gamification"
	"github.com/studyhive/hive-realtime/internal/messaging"
	"github.com/studyhive/hive-realtime/internal/presence"
	"github.com/studyhive/hive-realtime/internal/ratelimit"
	"github.com/studyhive/hive-realtime/internal/realtime"
	"github.com/studyhive/hive-realtime/internal/store"
	"github.com/studyhive/hive-realtime/internal/ws"
)

type closableStore interface {
	realtime.Store
	io.Closer
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// --- Persistence ---
	var st closableStore
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		cancel()
		if err != nil {
			log.Fatalf("failed to open postgres: %v", err)
		}
		st = pg
	} else {
		log.Printf("DATABASE_URL not set, using in-memory store")
		st = store.NewMemory()
	}

	var opts []realtime.Option

	// --- Redis ---
	var lastSeen *presence.LastSeenStore
	if cfg.RedisAddr != "" {
		lastSeen, err = presence.NewLastSeenStore(cfg.RedisAddr, cfg.ServerName)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		opts = append(opts,
			realtime.WithLastSeen(lastSeen),
			realtime.WithLimiter(ratelimit.NewLimiter(lastSeen.Client())),
		)
	}

	// --- NATS ---
	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		opts = append(opts, realtime.WithLedger(gamification.NewNATSLedger(natsClient)))
	}

	serverConfig := ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		Heartbeat: ws.HeartbeatConfig{
			Interval: cfg.HeartbeatInterval,
			Timeout:  cfg.HeartbeatTimeout,
		},
		InboundRate:  rate.Limit(cfg.InboundRate),
		InboundBurst: cfg.InboundBurst,
	}

	log.Printf("Hive realtime server starting")
	log.Printf("  listen_addr:     %s", serverConfig.ListenAddr)
	log.Printf("  worker_pool:     %d", serverConfig.WorkerPoolSize)
	log.Printf("  max_connections: %d", serverConfig.MaxConnections)
	log.Printf("  heartbeat:       %s (+%s)", cfg.HeartbeatInterval, cfg.HeartbeatTimeout)
	log.Printf("  typing_ttl:      %s", cfg.TypingTTL)
	log.Printf("  postgres:        %t", cfg.DatabaseURL != "")
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  nats_url:        %s", cfg.NATSURL)
	log.Printf("  server_name:     %s", cfg.ServerName)

	dispatcher := ws.NewMessageDispatcher(cfg.HandlerTimeout)
	server, err := ws.NewServer(serverConfig, auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer), dispatcher.Dispatch)
	if err != nil {
		log.Fatalf("failed to create server: %v", err)
	}

	rtConfig := realtime.DefaultConfig()
	rtConfig.TypingTTL = cfg.TypingTTL
	rtConfig.Mutation.EditWindow = cfg.EditWindow
	coordinator := realtime.NewCoordinator(st, server, rtConfig, opts...)
	coordinator.RegisterHandlers(dispatcher)

	server.SetOnConnect(coordinator.OnConnect)
	server.SetOnDisconnect(coordinator.OnDisconnect)
	server.SetHealthInfo(coordinator.Stats)

	if natsClient != nil {
		if err := natsClient.SubscribeMembership(coordinator.HandleMembershipChange); err != nil {
			log.Fatalf("failed to subscribe to membership changes: %v", err)
		}
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		// Stop membership changes before the connections they would touch go away.
		if natsClient != nil {
			if err := natsClient.Unsubscribe(messaging.SubjectMembership); err != nil {
				log.Printf("membership unsubscribe error: %v", err)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		coordinator.Close()

		if natsClient != nil {
			natsClient.Close()
		}
		if lastSeen != nil {
			if err := lastSeen.Close(); err != nil {
				log.Printf("redis close error: %v", err)
			}
		}
		if err := st.Close(); err != nil {
			log.Printf("store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
