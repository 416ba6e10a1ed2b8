// Package main implements the Hetuflow Agent: a WebSocket client that pulls
// work from a Server, runs it through a local hierarchical timing wheel and
// a bounded-concurrency process pool, and reports results back.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/hetuflow/hetuflow/domain"
)

// Config holds the agent's identity and tunables. Grounded on
// fluxforge/agent/config.go's Config struct and LoadConfig, with the
// hand-rolled generateUUID replaced by domain.NewID (UUIDv7 via
// google/uuid) and the node id directory renamed.
type Config struct {
	AgentID        domain.ID
	Name           string
	Labels         map[string]string
	MaxConcurrency int
	QueueDepth     int
	ServerURL      string // ws(s)://host:port/agent/connect
	Token          string

	HeartbeatInterval time.Duration
	DialBackoffBase   time.Duration
	DialBackoffMax    time.Duration
	MaxOutputSize     int64
	ShutdownGrace     time.Duration
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
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
		return def
	}
	return n
}

// LoadConfig initializes the agent's identity and tunables from the
// environment, loading or generating a persistent NodeID the way
// fluxforge/agent/config.go does for ~/.fluxforge/node_id.
func LoadConfig() (*Config, error) {
	agentID, err := loadOrCreateAgentID()
	if err != nil {
		return nil, fmt.Errorf("agent: load identity: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	serverURL := os.Getenv("HETUFLOW_SERVER_URL")
	if serverURL == "" {
		serverURL = "ws://localhost:8080/agent/connect"
	}

	return &Config{
		AgentID: agentID,
		Name:    hostname,
		Labels: map[string]string{
			"os":   runtime.GOOS,
			"arch": runtime.GOARCH,
		},
		MaxConcurrency:    envInt("HETUFLOW_MAX_CONCURRENCY", 4),
		QueueDepth:        envInt("HETUFLOW_QUEUE_DEPTH", 64),
		ServerURL:         serverURL,
		Token:             os.Getenv("HETUFLOW_TOKEN"),
		HeartbeatInterval: envDuration("HETUFLOW_HEARTBEAT_INTERVAL", 10*time.Second),
		DialBackoffBase:   envDuration("HETUFLOW_DIAL_BACKOFF_BASE", time.Second),
		DialBackoffMax:    envDuration("HETUFLOW_DIAL_BACKOFF_MAX", 30*time.Second),
		MaxOutputSize:     int64(envInt("HETUFLOW_MAX_OUTPUT_SIZE", 1<<20)),
		ShutdownGrace:     envDuration("HETUFLOW_SHUTDOWN_GRACE", 15*time.Second),
	}, nil
}

// loadOrCreateAgentID persists the Agent's identity to
// ~/.hetuflow/agent_id so it survives restarts, matching
// fluxforge/agent/config.go's getOrCreateNodeID.
func loadOrCreateAgentID() (domain.ID, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return domain.ZeroID, fmt.Errorf("get home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, ".hetuflow")
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return domain.ZeroID, fmt.Errorf("create config directory %s: %w", configDir, err)
	}

	idPath := filepath.Join(configDir, "agent_id")

	if data, err := os.ReadFile(idPath); err == nil {
		if id, err := domain.ParseID(strings.TrimSpace(string(data))); err == nil {
			return id, nil
		}
	}

	id := domain.NewID()
	if err := os.WriteFile(idPath, []byte(id.String()), 0o600); err != nil {
		return domain.ZeroID, fmt.Errorf("save agent id to %s: %w", idPath, err)
	}
	return id, nil
}
