// Command server runs one Hetuflow Server: coarse scheduling (leader
// election, namespace sharding, schedule expansion) and the Agent-facing
// Gateway. Configuration is environment-variable driven with sane
// defaults, the same idiom as control_plane/main.go.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/hetuflow/hetuflow/authn"
	"github.com/hetuflow/hetuflow/coordination"
	"github.com/hetuflow/hetuflow/dispatch"
	"github.com/hetuflow/hetuflow/domain"
	"github.com/hetuflow/hetuflow/gateway"
	"github.com/hetuflow/hetuflow/schedule"
	"github.com/hetuflow/hetuflow/store"
)

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("server: invalid %s=%q, using default %v", key, v, def)
		return def
	}
	return d
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n <= 0 {
		log.Printf("server: invalid %s=%q, using default %d", key, v, def)
		return def
	}
	return n
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "postgres://localhost:5432/hetuflow"
	}
	db, err := store.NewPostgresStore(ctx, dsn)
	if err != nil {
		log.Fatalf("server: connect postgres: %v", err)
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	redisClient := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       envInt("REDIS_DB", 0),
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("server: connect redis (required for leader election): %v", err)
	}
	coord := store.NewRedisCoordinator(redisClient)

	serverID := domain.NewID()
	hostname, _ := os.Hostname()
	log.Printf("server: starting as %s (%s)", serverID, hostname)

	leaderTTL := envDuration("LEADER_TTL", 15*time.Second)
	lockSvc := coordination.NewLockService(coord, db, serverID, leaderTTL)

	loopCfg := coordination.LeaderLoopConfig{
		SweepInterval:        envDuration("SWEEP_INTERVAL", 10*time.Second),
		ServerLivenessWindow: envDuration("SERVER_LIVENESS_WINDOW", 30*time.Second),
		AgentLivenessWindow:  envDuration("AGENT_LIVENESS_WINDOW", 30*time.Second),
		LockTimeout:          envDuration("LOCK_TIMEOUT", 300*time.Second),
		AgentDispatchGrace:   envDuration("ORPHAN_GRACE", 60*time.Second),
	}
	leaderLoop := coordination.NewLeaderLoop(db, loopCfg)

	genCfg := schedule.GeneratorConfig{
		Lookahead:        envDuration("LOOKAHEAD", 5*time.Minute),
		GenerationPeriod: envDuration("GENERATION_PERIOD", 60*time.Second),
		BatchSize:        envInt("BATCH_SIZE", 100),
	}
	generator := schedule.NewTaskGenerator(db, lockSvc, genCfg)

	tracker := dispatch.NewAckTracker(db, dispatch.AckTrackerConfig{
		AckTimeout: envDuration("ACK_TIMEOUT", 10*time.Second),
	})
	coreCfg := dispatch.CoreConfig{
		BatchSize:        genCfg.BatchSize,
		DispatchLeadTime: envDuration("DISPATCH_LEAD_TIME", 10*time.Second),
	}
	core := dispatch.NewCore(db, lockSvc, nil, tracker, serverID, coreCfg)
	hub := gateway.NewHub(db, gateway.NewReplayGuard(coord), core, tracker, serverID)
	core.SetSender(hub)
	tracker.SetResender(core)

	lockSvc.SetCallbacks(
		func(leaderCtx context.Context) {
			log.Printf("server: elected leader (epoch %d)", lockSvc.CurrentEpoch())
			go leaderLoop.Run(leaderCtx)
		},
		func() {
			log.Printf("server: lost leadership")
		},
	)

	go lockSvc.Run(ctx)
	go generator.Run(ctx)
	go tracker.Run(ctx)
	go hub.Run(ctx)

	var jwtSecret = os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatalf("server: JWT_SECRET is required")
	}
	authenticator := authn.NewJWTAuthenticator([]byte(jwtSecret), "hetuflow")

	mux := http.NewServeMux()
	mux.Handle("/agent/connect", authn.RequireAgent(authenticator, http.HandlerFunc(hub.HandleConnect)))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	httpSrv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		log.Printf("server: listening on %s", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("server: shutting down")
	core.SetMode(dispatch.ModeDraining)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), envDuration("SHUTDOWN_GRACE", 15*time.Second))
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server: http shutdown: %v", err)
	}
}
