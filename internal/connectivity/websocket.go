package connectivity

import (
	"context"
	"errors"
	"time"

	"nhooyr.io/websocket"

	"github.com/agentworkforce/mapsync/internal/logger"
)

const (
	defaultPingInterval = 10 * time.Second
	defaultPingTimeout  = 5 * time.Second
	defaultMinBackoff   = 500 * time.Millisecond
	defaultMaxBackoff   = 30 * time.Second
)

// WebsocketProbe holds a websocket open to a heartbeat endpoint. An open,
// answering connection is online; a failed dial, a failed ping or a close is
// offline, after which it redials with capped exponential backoff.
type WebsocketProbe struct {
	URL          string
	PingInterval time.Duration
	PingTimeout  time.Duration
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	Logger       logger.Logger
}

func (p *WebsocketProbe) Name() string { return "websocket" }

func (p *WebsocketProbe) Run(ctx context.Context, out chan<- Event) error {
	if p.URL == "" {
		return errors.New("websocket probe requires a url")
	}
	log := logger.OrNop(p.Logger).With(logger.String("component", "websocket_probe"))
	state := newTracker(p.Name())
	backoff := durationOr(p.MinBackoff, defaultMinBackoff)
	maxBackoff := durationOr(p.MaxBackoff, defaultMaxBackoff)

	for ctx.Err() == nil {
		conn, _, err := websocket.Dial(ctx, p.URL, nil)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Debug("heartbeat dial failed", logger.Error(err), logger.Duration("retry_in", backoff))
			state.observe(ctx, out, false)
			if !sleep(ctx, backoff) {
				break
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = durationOr(p.MinBackoff, defaultMinBackoff)
		state.observe(ctx, out, true)
		err = p.hold(ctx, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")
		if ctx.Err() != nil {
			break
		}
		log.Info("heartbeat connection lost", logger.Error(err))
		state.observe(ctx, out, false)
	}
	return ctx.Err()
}

// hold pings conn until a ping fails, the peer closes or ctx is done.
func (p *WebsocketProbe) hold(ctx context.Context, conn *websocket.Conn) error {
	readCtx := conn.CloseRead(ctx)
	ticker := time.NewTicker(durationOr(p.PingInterval, defaultPingInterval))
	defer ticker.Stop()
	for {
		select {
		case <-readCtx.Done():
			return errors.New("connection closed")
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(readCtx, durationOr(p.PingTimeout, defaultPingTimeout))
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
