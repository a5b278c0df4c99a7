// Package slotfeed follows the ledger's slot over a websocket subscription.
// New slots pull the next keeper cycle forward and drive the slot-lag gauge.
package slotfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"PerpLiquidator/internal/core"
	"PerpLiquidator/internal/observability"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Target is the keeper surface the feed drives.
type Target interface {
	Trigger()
	LastReport() *core.CycleReport
}

type Config struct {
	URL string
	// MinTriggerInterval bounds how often slots may trigger an early cycle.
	MinTriggerInterval time.Duration
	ReadTimeout        time.Duration
	PingInterval       time.Duration
	ReconnectMin       time.Duration
	ReconnectMax       time.Duration
}

// Feed maintains a slotSubscribe subscription and reconnects on failure.
type Feed struct {
	cfg     Config
	target  Target
	limiter *rate.Limiter
	tip     atomic.Uint64
	log     zerolog.Logger
	metrics *observability.Metrics
	dialer  *websocket.Dialer
}

func New(cfg Config, target Target, log zerolog.Logger, metrics *observability.Metrics) *Feed {
	if cfg.MinTriggerInterval <= 0 {
		cfg.MinTriggerInterval = time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 10 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 500 * time.Millisecond
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = 30 * time.Second
	}
	return &Feed{
		cfg:     cfg,
		target:  target,
		limiter: rate.NewLimiter(rate.Every(cfg.MinTriggerInterval), 1),
		log:     log,
		metrics: metrics,
		dialer:  websocket.DefaultDialer,
	}
}

// Tip is the highest slot seen, zero before the first notification.
func (f *Feed) Tip() uint64 {
	return f.tip.Load()
}

// Run subscribes and reconnects with backoff until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := f.cfg.ReconnectMin
	for {
		start := time.Now()
		err := f.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(start) > f.cfg.ReconnectMax {
			backoff = f.cfg.ReconnectMin
		}
		f.log.Warn().Err(err).Dur("backoff", backoff).Msg("slot subscription lost, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > f.cfg.ReconnectMax {
			backoff = f.cfg.ReconnectMax
		}
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
}

type rpcMessage struct {
	ID     *int            `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Params *struct {
		Result       SlotInfo `json:"result"`
		Subscription uint64   `json:"subscription"`
	} `json:"params,omitempty"`
}

// SlotInfo is one slotNotification payload.
type SlotInfo struct {
	Parent uint64 `json:"parent"`
	Root   uint64 `json:"root"`
	Slot   uint64 `json:"slot"`
}

func (f *Feed) session(ctx context.Context) error {
	conn, _, err := f.dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(rpcRequest{JSONRPC: "2.0", ID: 1, Method: "slotSubscribe"}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(f.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				// unblocks ReadJSON
				conn.Close()
				return
			case <-ticker.C:
				deadline := time.Now().Add(f.cfg.PingInterval)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	for {
		var msg rpcMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))

		switch {
		case msg.Error != nil:
			return fmt.Errorf("slotSubscribe rejected: %d %s", msg.Error.Code, msg.Error.Message)
		case msg.ID != nil:
			f.log.Info().RawJSON("subscription", msg.Result).Str("url", f.cfg.URL).Msg("slot subscription active")
		case msg.Method == "slotNotification" && msg.Params != nil:
			f.observe(msg.Params.Result.Slot)
		}
	}
}

func (f *Feed) observe(slot uint64) {
	for {
		prev := f.tip.Load()
		if slot <= prev {
			return
		}
		if f.tip.CompareAndSwap(prev, slot) {
			break
		}
	}

	if f.metrics != nil {
		if r := f.target.LastReport(); r != nil && slot >= r.Slot {
			f.metrics.SlotLag.Set(float64(slot - r.Slot))
		}
	}
	if f.limiter.Allow() {
		f.target.Trigger()
	}
}
