// Package agent is the member side of a swarm session. A Client holds one
// websocket to the coordinator, joins its swarm, runs assigned tasks on a
// Worker and submits proven results. Lost connections are retried with
// capped exponential backoff until the attempt budget runs out.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/neurolov/swarmd/internal/domain"
	"github.com/neurolov/swarmd/internal/infra/metrics"
	"github.com/neurolov/swarmd/internal/security"
)

// ErrDisconnected is returned by Run once reconnect attempts are exhausted.
var ErrDisconnected = errors.New("agent disconnected: reconnect attempts exhausted")

// State is the client's connection state.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected" // terminal
)

const (
	writeWait = 10 * time.Second
	pongWait  = 90 * time.Second
)

// Config configures a member client.
type Config struct {
	URL      string // coordinator base URL, e.g. ws://localhost:8420
	Identity string
	SwarmID  string // joined on first connect when set
	Power    float64
	Hardware string

	ReconnectBase    time.Duration
	ReconnectMax     time.Duration
	MaxAttempts      int
	HandshakeTimeout time.Duration
}

// DefaultConfig returns the stock reconnect policy.
func DefaultConfig() Config {
	return Config{
		ReconnectBase:    1 * time.Second,
		ReconnectMax:     30 * time.Second,
		MaxAttempts:      5,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Backoff returns the delay before reconnect attempt n (1-based):
// min(base * 2^n, max).
func Backoff(n int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}

// Worker executes an assigned task and returns its result.
type Worker interface {
	Execute(ctx context.Context, t domain.Task) (json.RawMessage, error)
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context, t domain.Task) (json.RawMessage, error)

func (f WorkerFunc) Execute(ctx context.Context, t domain.Task) (json.RawMessage, error) {
	return f(ctx, t)
}

// Prover produces the compute proof for a result.
type Prover interface {
	Prove(kp *security.Keypair, payload domain.Payload, result json.RawMessage) (string, error)
}

// Option configures a Client.
type Option func(*Client)

// WithSleep replaces the backoff wait. It must return early when ctx ends.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// WithObserver receives every inbound message.
func WithObserver(fn func(domain.Message)) Option {
	return func(c *Client) { c.observe = fn }
}

// Client is a member session.
type Client struct {
	cfg     Config
	worker  Worker
	prover  Prover
	keys    *security.Keypair
	log     zerolog.Logger
	dialer  *websocket.Dialer
	sleep   func(ctx context.Context, d time.Duration) error
	observe func(domain.Message)

	state  atomic.Value // State
	joined atomic.Bool

	mu      sync.Mutex // guards conn and pending; serializes writes
	conn    *websocket.Conn
	pending []domain.Message

	wg        sync.WaitGroup
	completed atomic.Int64
	failed    atomic.Int64
	reconnect atomic.Int64
}

// NewClient creates a member client.
func NewClient(cfg Config, worker Worker, prover Prover, keys *security.Keypair, log zerolog.Logger, opts ...Option) *Client {
	def := DefaultConfig()
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = def.ReconnectBase
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = def.ReconnectMax
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	c := &Client{
		cfg:    cfg,
		worker: worker,
		prover: prover,
		keys:   keys,
		log:    log,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		sleep:  sleepCtx,
	}
	c.state.Store(StateIdle)
	for _, o := range opts {
		o(c)
	}
	return c
}

// State returns the current connection state.
func (c *Client) State() State { return c.state.Load().(State) }

func (c *Client) setState(s State) {
	if prev := c.State(); prev != s {
		c.state.Store(s)
		c.log.Debug().Str("from", string(prev)).Str("to", string(s)).Msg("state changed")
	}
}

// Run connects and serves until ctx ends or reconnects are exhausted.
// The disconnected state is terminal.
func (c *Client) Run(ctx context.Context) error {
	if c.State() == StateDisconnected {
		return ErrDisconnected
	}
	attempt := 0
	for {
		if attempt == 0 {
			c.setState(StateConnecting)
		}
		conn, err := c.dial(ctx)
		if err == nil {
			if attempt > 0 {
				metrics.Reconnects.WithLabelValues("success").Inc()
				c.log.Info().Int("attempt", attempt).Msg("reconnected")
			}
			attempt = 0
			c.setState(StateConnected)
			err = c.serve(ctx, conn)
		}

		if ctx.Err() != nil {
			c.wg.Wait()
			c.setState(StateDisconnected)
			return ctx.Err()
		}
		if attempt >= c.cfg.MaxAttempts {
			c.wg.Wait()
			metrics.Reconnects.WithLabelValues("exhausted").Inc()
			c.setState(StateDisconnected)
			c.log.Error().Err(err).Int("attempts", attempt).Msg("giving up")
			return fmt.Errorf("%w: %v", ErrDisconnected, err)
		}

		attempt++
		delay := Backoff(attempt, c.cfg.ReconnectBase, c.cfg.ReconnectMax)
		c.reconnect.Add(1)
		metrics.Reconnects.WithLabelValues("attempt").Inc()
		c.setState(StateReconnecting)
		c.log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("connection lost, reconnecting")
		if err := c.sleep(ctx, delay); err != nil {
			c.wg.Wait()
			c.setState(StateDisconnected)
			return err
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	q := u.Query()
	q.Set("identity", c.cfg.Identity)
	u.RawQuery = q.Encode()

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}
	return conn, nil
}

// serve owns one connection until it fails.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	c.mu.Lock()
	c.conn = conn
	queued := c.pending
	c.pending = nil
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}()

	stop := context.AfterFunc(ctx, func() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		conn.Close()
	})
	defer stop()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	if c.cfg.SwarmID != "" && !c.joined.Load() {
		c.send(domain.Message{
			Type:     domain.MsgJoinSwarm,
			SwarmID:  c.cfg.SwarmID,
			UserID:   c.cfg.Identity,
			Power:    c.cfg.Power,
			Hardware: c.cfg.Hardware,
		})
	}
	for _, msg := range queued {
		c.send(msg)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		msg, err := domain.DecodeMessage(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("bad frame")
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *Client) handle(ctx context.Context, msg domain.Message) {
	if c.observe != nil {
		c.observe(msg)
	}
	switch msg.Type {
	case domain.MsgSwarmJoined:
		c.joined.Store(true)
		c.log.Info().Str("swarm", msg.SwarmID).Msg("joined swarm")
	case domain.MsgTaskAssigned:
		if msg.Task == nil {
			return
		}
		t := *msg.Task
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.execute(ctx, t)
		}()
	case domain.MsgError:
		c.log.Warn().Str("error", msg.Error).Msg("coordinator error")
	default:
		c.log.Debug().Str("type", string(msg.Type)).Msg("message")
	}
}

// execute runs a task and submits the proven result. The submission is
// queued for the next connection if the current one is gone.
func (c *Client) execute(ctx context.Context, t domain.Task) {
	log := c.log.With().Str("task", t.ID).Logger()
	result, err := c.worker.Execute(ctx, t)
	if err != nil {
		c.failed.Add(1)
		log.Error().Err(err).Msg("task execution failed")
		return
	}
	proof, err := c.prover.Prove(c.keys, t.Payload, result)
	if err != nil {
		c.failed.Add(1)
		log.Error().Err(err).Msg("proof generation failed")
		return
	}
	c.send(domain.Message{
		Type:   domain.MsgSubmitResult,
		TaskID: t.ID,
		Result: result,
		Proof:  proof,
	})
	c.completed.Add(1)
	log.Info().Msg("result submitted")
}

// send writes msg on the live connection, or queues it when there is none.
func (c *Client) send(msg domain.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		c.pending = append(c.pending, msg)
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		c.log.Warn().Err(err).Str("type", string(msg.Type)).Msg("write failed, queued")
		c.pending = append(c.pending, msg)
	}
}

// Stats holds client counters.
type Stats struct {
	State      State `json:"state"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Reconnects int64 `json:"reconnects"`
}

// Stats returns current counters.
func (c *Client) Stats() Stats {
	return Stats{
		State:      c.State(),
		Completed:  c.completed.Load(),
		Failed:     c.failed.Load(),
		Reconnects: c.reconnect.Load(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
