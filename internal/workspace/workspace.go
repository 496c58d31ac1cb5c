// Package workspace saves and loads named map workspaces. Saves fall back to
// the offline queue plus the local cache when the remote store is
// unreachable, and every successful remote save appends a version.
package workspace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/mapsync/internal/cache"
	"github.com/agentworkforce/mapsync/internal/logger"
	"github.com/agentworkforce/mapsync/internal/offline"
	"github.com/agentworkforce/mapsync/internal/remote"
)

var ErrInvalidState = errors.New("invalid workspace state")

type MapView struct {
	// Center is [lat, lng].
	Center     [2]float64      `json:"center"`
	Zoom       float64         `json:"zoom"`
	ServiceID  string          `json:"serviceId"`
	LayerFlags map[string]bool `json:"layerFlags,omitempty"`
}

type State struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	MapView   MapView   `json:"mapView"`
	// Drawings is a GeoJSON FeatureCollection, or null.
	Drawings json.RawMessage `json:"drawings"`
}

type Version struct {
	WorkspaceName string    `json:"workspaceName"`
	Version       int       `json:"version"`
	Payload       State     `json:"payload"`
	CreatedAt     time.Time `json:"createdAt"`
}

type SaveResult struct {
	// Version is 0 when the save went offline or the version append failed.
	Version int
	Offline bool
}

type Options struct {
	Logger logger.Logger
	Now    func() time.Time
	// CacheTTL bounds how long a cached workspace is served; 0 keeps it until
	// overwritten.
	CacheTTL time.Duration
}

type Store struct {
	remote   remote.DocumentStore
	cache    *cache.Cache
	queue    *offline.Queue
	log      logger.Logger
	now      func() time.Time
	cacheTTL time.Duration
}

func NewStore(r remote.DocumentStore, c *cache.Cache, q *offline.Queue, opts Options) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		remote:   r,
		cache:    c,
		queue:    q,
		log:      logger.OrNop(opts.Logger).With(logger.String("component", "workspace")),
		now:      now,
		cacheTTL: opts.CacheTTL,
	}
}

func CacheKey(name string) string {
	return "workspace:" + name
}

// Save never fails because of the network. It returns an error only when the
// state itself is invalid.
func (s *Store) Save(ctx context.Context, state State) (SaveResult, error) {
	state.Name = strings.TrimSpace(state.Name)
	if err := Validate(state); err != nil {
		return SaveResult{}, err
	}
	now := s.now().UTC()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	state.UpdatedAt = now
	state.Drawings = normalizeDrawings(state.Drawings)

	if _, err := s.remote.Upsert(ctx, remote.CollectionWorkspaces, state.Name, state); err != nil {
		if errors.Is(err, remote.ErrInvalidInput) {
			return SaveResult{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
		}
		s.log.Info("workspace save queued offline",
			logger.String("workspace", state.Name),
			logger.Error(err),
		)
		if _, qErr := s.queue.Enqueue(ctx, offline.KindWorkspaceUpsert, state); qErr != nil {
			s.log.Error("workspace offline enqueue failed", logger.String("workspace", state.Name), logger.Error(qErr))
		}
		s.cache.PutJSON(ctx, CacheKey(state.Name), state, s.cacheTTL)
		return SaveResult{Offline: true}, nil
	}

	version := s.appendVersion(ctx, state)
	s.cache.PutJSON(ctx, CacheKey(state.Name), state, s.cacheTTL)
	return SaveResult{Version: version}, nil
}

// Load prefers the remote copy and falls back to the cache on any remote
// failure. While an offline save for the name is still queued the cached
// copy is newer than the remote one, so it wins.
func (s *Store) Load(ctx context.Context, name string) (State, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return State{}, false
	}
	if !s.hasPendingSave(name) {
		doc, err := s.remote.Get(ctx, remote.CollectionWorkspaces, name)
		if err == nil {
			var state State
			decodeErr := doc.Decode(&state)
			if decodeErr == nil {
				s.cache.PutJSON(ctx, CacheKey(name), state, s.cacheTTL)
				return state, true
			}
			s.log.Warn("remote workspace undecodable", logger.String("workspace", name), logger.Error(decodeErr))
		} else if !errors.Is(err, remote.ErrNotFound) {
			s.log.Info("workspace load falling back to cache", logger.String("workspace", name), logger.Error(err))
		}
	}
	var cached State
	if s.cache.GetJSON(ctx, CacheKey(name), &cached) {
		return cached, true
	}
	return State{}, false
}

func (s *Store) ListVersions(ctx context.Context, name string) ([]Version, error) {
	docs, err := s.remote.Select(ctx, remote.CollectionWorkspaceVersions, remote.Query{
		Parent:  strings.TrimSpace(name),
		OrderBy: remote.OrderVersion,
	})
	if err != nil {
		return nil, err
	}
	versions := make([]Version, 0, len(docs))
	for _, doc := range docs {
		v, err := decodeVersion(doc)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, nil
}

func (s *Store) RestoreVersion(ctx context.Context, name string, version int) (State, error) {
	if version <= 0 {
		return State{}, fmt.Errorf("%w: version must be positive", ErrInvalidState)
	}
	doc, err := s.remote.Get(ctx, remote.CollectionWorkspaceVersions, remote.VersionKey(strings.TrimSpace(name), version))
	if err != nil {
		return State{}, err
	}
	v, err := decodeVersion(doc)
	if err != nil {
		return State{}, err
	}
	return v.Payload, nil
}

// ReplayHandler pushes a queued offline save to the remote store. A queued
// state that is not newer than the remote copy was either superseded or
// already applied by an earlier replay, and is dropped.
func (s *Store) ReplayHandler() offline.Handler {
	return func(ctx context.Context, task offline.Task) error {
		var state State
		if err := task.Decode(&state); err != nil {
			s.log.Error("dropping undecodable workspace task", logger.String("task_id", task.ID), logger.Error(err))
			return nil
		}
		doc, err := s.remote.Get(ctx, remote.CollectionWorkspaces, state.Name)
		switch {
		case err == nil:
			var current State
			if doc.Decode(&current) == nil && !current.UpdatedAt.Before(state.UpdatedAt) {
				s.log.Info("queued workspace save already applied or superseded",
					logger.String("workspace", state.Name),
					logger.Time("queued_at", state.UpdatedAt),
					logger.Time("remote_at", current.UpdatedAt),
				)
				return nil
			}
		case !errors.Is(err, remote.ErrNotFound):
			return err
		}
		if _, err := s.remote.Upsert(ctx, remote.CollectionWorkspaces, state.Name, state); err != nil {
			return err
		}
		s.appendVersion(ctx, state)

		var cached State
		if !s.cache.GetJSON(ctx, CacheKey(state.Name), &cached) || !cached.UpdatedAt.After(state.UpdatedAt) {
			s.cache.PutJSON(ctx, CacheKey(state.Name), state, s.cacheTTL)
		}
		return nil
	}
}

func (s *Store) Handlers() offline.Handlers {
	return offline.Handlers{offline.KindWorkspaceUpsert: s.ReplayHandler()}
}

func (s *Store) appendVersion(ctx context.Context, state State) int {
	version, err := s.remote.AppendVersion(ctx, remote.CollectionWorkspaceVersions, state.Name, Version{
		WorkspaceName: state.Name,
		Payload:       state,
		CreatedAt:     s.now().UTC(),
	})
	if err != nil {
		s.log.Warn("workspace version append failed", logger.String("workspace", state.Name), logger.Error(err))
		return 0
	}
	s.log.Debug("workspace saved", logger.String("workspace", state.Name), logger.Int("version", version))
	return version
}

func (s *Store) hasPendingSave(name string) bool {
	for _, task := range s.queue.Snapshot() {
		if task.Kind != offline.KindWorkspaceUpsert {
			continue
		}
		var pending struct {
			Name string `json:"name"`
		}
		if json.Unmarshal(task.Payload, &pending) == nil && pending.Name == name {
			return true
		}
	}
	return false
}

func decodeVersion(doc remote.Document) (Version, error) {
	var v Version
	if err := doc.Decode(&v); err != nil {
		return Version{}, err
	}
	if doc.Version > 0 {
		v.Version = doc.Version
	}
	if v.WorkspaceName == "" {
		v.WorkspaceName = doc.Parent
	}
	return v, nil
}

// Validate checks the parts of a state the store relies on.
func Validate(state State) error {
	if strings.TrimSpace(state.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidState)
	}
	lat, lng := state.MapView.Center[0], state.MapView.Center[1]
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return fmt.Errorf("%w: center %v out of range", ErrInvalidState, state.MapView.Center)
	}
	if state.MapView.Zoom < 0 {
		return fmt.Errorf("%w: zoom must not be negative", ErrInvalidState)
	}
	drawings := normalizeDrawings(state.Drawings)
	if bytes.Equal(drawings, []byte("null")) {
		return nil
	}
	var fc struct {
		Type     string            `json:"type"`
		Features []json.RawMessage `json:"features"`
	}
	if err := json.Unmarshal(drawings, &fc); err != nil {
		return fmt.Errorf("%w: drawings: %v", ErrInvalidState, err)
	}
	if fc.Type != "FeatureCollection" {
		return fmt.Errorf("%w: drawings must be a FeatureCollection, got %q", ErrInvalidState, fc.Type)
	}
	return nil
}

func normalizeDrawings(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return json.RawMessage("null")
	}
	return json.RawMessage(trimmed)
}
