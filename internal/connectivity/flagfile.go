package connectivity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/mapsync/internal/logger"
)

// FlagFileProbe reports offline while a marker file exists and online while
// it does not. The parent directory must exist.
type FlagFileProbe struct {
	Path   string
	Logger logger.Logger
}

func (p *FlagFileProbe) Name() string { return "flagfile" }

func (p *FlagFileProbe) Run(ctx context.Context, out chan<- Event) error {
	if p.Path == "" {
		return errors.New("flag file probe requires a path")
	}
	log := logger.OrNop(p.Logger).With(logger.String("component", "flagfile_probe"))
	path := filepath.Clean(p.Path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	state := newTracker(p.Name())
	state.observe(ctx, out, !flagPresent(path))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			state.observe(ctx, out, !flagPresent(path))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("flag file watch error", logger.Error(err))
		}
	}
}

func flagPresent(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
