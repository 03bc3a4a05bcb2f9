// Command collabd runs the real-time collaborative editing server: a
// websocket endpoint per document, backed by the OT engine, with pluggable
// persistence and optional cross-node fanout through Redis.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/softctwo/resoftai-collab/internal/config"
	"github.com/softctwo/resoftai-collab/internal/doc"
	"github.com/softctwo/resoftai-collab/internal/session"
	"github.com/softctwo/resoftai-collab/internal/storage"
	"github.com/softctwo/resoftai-collab/internal/transport"
)

func openStore(ctx context.Context, cfg config.Config) (storage.Store, func(), error) {
	switch {
	case cfg.DatabaseURL != "":
		s, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		log.Println("connected to PostgreSQL")
		return s, s.Close, nil
	case cfg.BoltPath != "":
		s, err := storage.NewBoltStore(cfg.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		log.Printf("opened bolt store at %s", cfg.BoltPath)
		return s, func() { s.Close() }, nil
	default:
		log.Println("no DATABASE_URL or BOLT_PATH set, using in-memory store")
		s := storage.NewMemoryStore()
		s.AutoCreate = true
		return s, func() {}, nil
	}
}

// queryIdentity trusts the identity the upstream auth layer put on the query
// string. The core does not re-verify it.
func queryIdentity(r *http.Request) (session.Identity, error) {
	ident := session.Identity{
		UserID:      r.URL.Query().Get("user"),
		DisplayName: r.URL.Query().Get("name"),
	}
	if ident.UserID == "" {
		ident.UserID = "anonymous"
	}
	if ident.DisplayName == "" {
		ident.DisplayName = ident.UserID
	}
	return ident, nil
}

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer closeStore()

	registry := doc.NewRegistry(store, cfg.HistoryLimit, cfg.EvictGrace)
	hub := transport.NewHub(transport.AuthenticatorFunc(queryIdentity))
	hub.SetPingInterval(cfg.HeartbeatGrace / 3)
	manager := session.NewManager(registry, hub, session.Config{
		FlushInterval:  cfg.FlushInterval,
		MaxBatch:       cfg.MaxBatch,
		HeartbeatGrace: cfg.HeartbeatGrace,
	})
	hub.SetManager(manager)

	var relay *transport.Relay
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if _, err := rdb.Ping(ctx).Result(); err != nil {
			log.Fatalf("could not connect to Redis: %v", err)
		}
		log.Println("connected to Redis, cross-node relay enabled")
		relay = transport.NewRelay(rdb, hub.BroadcastDoc)
		manager.SetForwarder(relay.Forward)
		defer rdb.Close()
	}

	r := mux.NewRouter()
	r.HandleFunc("/ws/{doc}", hub.ServeWS)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: r}
	go func() {
		log.Printf("collab server listening on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	if relay != nil {
		relay.Close()
	}
	manager.Close()
	registry.Close()
}
