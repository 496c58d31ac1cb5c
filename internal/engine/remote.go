package engine

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentworkforce/mapsync/internal/config"
	"github.com/agentworkforce/mapsync/internal/logger"
	"github.com/agentworkforce/mapsync/internal/remote"
	"github.com/agentworkforce/mapsync/internal/remote/httpstore"
	"github.com/agentworkforce/mapsync/internal/remote/pgstore"
)

// BuildRemote opens the document store named by cfg.DSN: memory://,
// postgres:// or an http(s) base URL.
func BuildRemote(cfg config.RemoteConfig, log logger.Logger) (remote.DocumentStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse remote dsn: %w", err)
	}
	var user *remote.User
	if cfg.UserID != "" {
		user = &remote.User{ID: cfg.UserID, Email: cfg.UserEmail}
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory", "mem", "inmem":
		store := remote.NewMemory()
		store.SetUser(user)
		return store, nil
	case "postgres", "postgresql":
		return pgstore.New(dsn, pgstore.Options{User: user, Logger: log})
	case "http", "https":
		client := &http.Client{Timeout: cfg.Timeout}
		return httpstore.New(dsn, cfg.Token, client, httpstore.WithRetries(cfg.MaxRetries, 100*time.Millisecond, 5*time.Second)), nil
	default:
		return nil, fmt.Errorf("unsupported remote scheme %q", parsed.Scheme)
	}
}
