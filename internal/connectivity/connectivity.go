// Package connectivity reports online/offline transitions from one or more
// probes.
package connectivity

import (
	"context"
	"sync"
	"time"
)

type Event struct {
	Online bool
	Source string
	At     time.Time
}

// Probe watches one signal and sends an Event on every change of state. The
// first observation is always sent. Run returns when ctx is done.
type Probe interface {
	Name() string
	Run(ctx context.Context, out chan<- Event) error
}

// tracker drops repeated observations of the same state.
type tracker struct {
	source string
	known  bool
	online bool
	now    func() time.Time
}

func newTracker(source string) *tracker {
	return &tracker{source: source, now: time.Now}
}

func (t *tracker) observe(ctx context.Context, out chan<- Event, online bool) {
	if t.known && t.online == online {
		return
	}
	t.known = true
	t.online = online
	select {
	case out <- Event{Online: online, Source: t.source, At: t.now().UTC()}:
	case <-ctx.Done():
	}
}

// Merge runs every probe and combines them into one stream. The merged state
// is online only while every probe that has reported is online, and only
// merged transitions are sent. The channel closes once ctx is done and all
// probes have returned.
func Merge(ctx context.Context, probes ...Probe) <-chan Event {
	out := make(chan Event, 1)
	in := make(chan Event)
	var wg sync.WaitGroup
	for _, probe := range probes {
		if probe == nil {
			continue
		}
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()
			_ = p.Run(ctx, in)
		}(probe)
	}
	go func() {
		wg.Wait()
		close(in)
	}()

	go func() {
		defer close(out)
		states := map[string]bool{}
		merged := newTracker("merged")
		for event := range in {
			states[event.Source] = event.Online
			online := true
			for _, up := range states {
				online = online && up
			}
			if merged.known && merged.online == online {
				continue
			}
			merged.known = true
			merged.online = online
			select {
			case out <- Event{Online: online, Source: event.Source, At: event.At}:
			case <-ctx.Done():
			}
		}
	}()
	return out
}
