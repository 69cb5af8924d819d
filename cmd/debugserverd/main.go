// Command debugserverd runs the multi-tenant debug execution service.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/debugserver/server/internal/auth"
	"github.com/debugserver/server/internal/broker"
	"github.com/debugserver/server/internal/config"
	"github.com/debugserver/server/internal/cryptostate"
	"github.com/debugserver/server/internal/debugger"
	"github.com/debugserver/server/internal/envmanager"
	"github.com/debugserver/server/internal/httpapi"
	"github.com/debugserver/server/internal/logging"
	"github.com/debugserver/server/internal/store"
	"github.com/debugserver/server/internal/supervisor"
	"github.com/debugserver/server/internal/worktree"
)

func main() {
	logging.Setup()
	logger := slog.Default()
	logger.Info("starting debug execution server")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	dbPath := cfg.DBPath
	if cfg.DBURL != "" {
		dbPath = cfg.DBURL
	}
	st, err := store.Open(dbPath)
	if err != nil {
		log.Fatalf("failed to open metadata store: %v", err)
	}
	defer st.Close()

	envs, err := envmanager.New(cfg.EnvsRoot)
	if err != nil {
		log.Fatalf("failed to initialise environment manager: %v", err)
	}

	pool := worktree.New(st, logger, worktree.Config{
		ReposRoot:            cfg.ReposRoot,
		WorktreesRoot:        cfg.WorktreesRoot,
		MaxWorktreesPerRepo:  cfg.MaxWorktreesPerRepo,
		LeaseTTL:             cfg.LeaseTTL,
		StaleReclaimInterval: cfg.StaleReclaimInterval,
		StaleMaxIdleAge:      cfg.StaleMaxIdleAge,
	})
	defer pool.Close()

	brokers := broker.New(cfg.BrokerHistorySize, cfg.BrokerQueueSize)

	sup := supervisor.New(st, envs, brokers.Log, logger, cfg.LogsRoot, cfg.PatchesRoot)

	signingKey, err := loadOrCreateTunnelSigningKey(cfg)
	if err != nil {
		log.Fatalf("failed to load tunnel signing key: %v", err)
	}
	dbg := debugger.NewManager(st, cfg.TunnelHost, signingKey)

	authN := auth.New(st)

	srv := httpapi.New(cfg, httpapi.Deps{
		Store:   st,
		Pool:    pool,
		Envs:    envs,
		Brokers: brokers,
		Sup:     sup,
		Dbg:     dbg,
		AuthN:   authN,
	}, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("server error: %v", err)
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		logger.Error("error during shutdown", "error", err)
	}

	logger.Info("debug execution server stopped")
}

// loadOrCreateTunnelSigningKey persists the debugger tunnel HMAC signing
// key across restarts, encrypted at rest under the operator-supplied
// DEBUG_SERVER_STATE_ENCRYPTION_KEY (§9's encrypted state store), so
// tunnel tokens minted before a restart don't all invalidate at once.
func loadOrCreateTunnelSigningKey(cfg *config.Config) ([]byte, error) {
	statePath := filepath.Join(cfg.ArtifactsRoot, "state", "tunnel-signing-key.json")
	cs := cryptostate.New(cfg.StateEncryptionKey)

	if raw, err := os.ReadFile(statePath); err == nil {
		var env cryptostate.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, err
		}
		payload, err := cs.Load(env)
		if err != nil {
			return nil, err
		}
		keyHex, _ := payload["signing_key"].(string)
		return hex.DecodeString(keyHex)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}

	env, err := cs.Save(map[string]any{"signing_key": hex.EncodeToString(key)})
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(statePath), 0o755); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(statePath, raw, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}
