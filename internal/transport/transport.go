// Package transport maintains the live update channel to the record
// server. It prefers a push subscription and degrades to timed polling
// when push is unavailable, promoting back on reconnect. Every update
// funnels through one watermark check, so subscribers see each change
// exactly once and in increasing sequence order regardless of which mode
// produced it.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/fieldsync/fieldsync/internal/db"
	apperrors "github.com/fieldsync/fieldsync/internal/errors"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/models"
	"github.com/fieldsync/fieldsync/internal/rpc"
	"github.com/fieldsync/fieldsync/internal/telemetry"
)

// Mode is the transport's delivery mode.
type Mode string

const (
	ModeConnecting Mode = "connecting"
	ModePush       Mode = "live_push"
	ModePull       Mode = "degraded_pull"
	ModeStopped    Mode = "stopped"
)

// Update is one server-side record change surfaced to subscribers.
type Update struct {
	Collection string
	Sequence   int64
	Payload    map[string]interface{}
}

// SubscribeRequest is the push channel's subscribe message.
type SubscribeRequest struct {
	Channels []string         `json:"channels"`
	Since    map[string]int64 `json:"since"`
}

// PushMessage is one inbound message on the push channel.
type PushMessage struct {
	Channel  string                 `json:"channel"`
	Sequence int64                  `json:"sequence"`
	Payload  map[string]interface{} `json:"payload"`
}

// Conn is one established push connection.
type Conn interface {
	// Subscribe registers the channels and the starting sequence per
	// channel. Must be called once before Read.
	Subscribe(req SubscribeRequest) error
	// Read blocks for the next message. It returns an error when the
	// connection is lost, including by a missed heartbeat.
	Read() (*PushMessage, error)
	Close() error
}

// Dialer establishes push connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Config holds transport tuning knobs.
type Config struct {
	PollInterval        time.Duration // steady-state poll cadence in pull mode
	PollLimit           int           // max records per poll query
	ReconnectBase       time.Duration // first push reconnect delay, doubles
	ReconnectCap        time.Duration // upper bound on the reconnect delay
	DialTimeout         time.Duration // per connection attempt
	CallTimeout         time.Duration // per poll query / optimistic mutation
	BufferSize          int           // subscriber channel capacity
	OptimisticPollDelay time.Duration // out-of-cycle poll delay after SendOptimistic
}

// DefaultConfig returns default transport configuration.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:        30 * time.Second,
		PollLimit:           200,
		ReconnectBase:       2 * time.Second,
		ReconnectCap:        2 * time.Minute,
		DialTimeout:         10 * time.Second,
		CallTimeout:         30 * time.Second,
		BufferSize:          256,
		OptimisticPollDelay: 2 * time.Second,
	}
}

// Transport owns the hybrid push/pull channel. One background goroutine
// runs the whole state machine; updates reach subscribers through a
// bounded channel with drop-oldest backpressure (a dropped update is
// recovered by the next reconciliation cycle).
type Transport struct {
	dialer Dialer
	store  *db.Store
	cfg    *Config

	updates chan Update
	pollNow chan struct{}

	mu          sync.RWMutex
	client      rpc.Client
	mode        Mode
	collections []string
	started     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New creates a new Transport.
func New(dialer Dialer, client rpc.Client, store *db.Store, cfg *Config) *Transport {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Transport{
		dialer:  dialer,
		client:  client,
		store:   store,
		cfg:     cfg,
		updates: make(chan Update, cfg.BufferSize),
		pollNow: make(chan struct{}, 1),
		mode:    ModeStopped,
	}
}

// SetClient swaps the RPC capability used for polling and optimistic
// sends, after the host re-authenticates.
func (t *Transport) SetClient(client rpc.Client) {
	t.mu.Lock()
	t.client = client
	t.mu.Unlock()
}

func (t *Transport) getClient() rpc.Client {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.client
}

// Updates returns the subscriber channel.
func (t *Transport) Updates() <-chan Update {
	return t.updates
}

// Mode returns the current delivery mode.
func (t *Transport) Mode() Mode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mode
}

// Collections returns the currently subscribed collections.
func (t *Transport) Collections() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, len(t.collections))
	copy(out, t.collections)
	return out
}

// Start brings the channel up for the given collections. It returns
// immediately; the connection state machine runs in the background.
func (t *Transport) Start(ctx context.Context, collections []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return apperrors.New(apperrors.ErrDuplicate, "transport already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.started = true
	t.mode = ModeConnecting
	t.collections = append([]string(nil), collections...)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.run(runCtx)
	}()

	logging.Info("Transport started", map[string]interface{}{
		"collections": collections,
	})
	return nil
}

// Stop cancels the poll timer and push subscription and moves the
// transport to Stopped. Idempotent; an in-flight poll completes or times
// out before Stop returns.
func (t *Transport) Stop() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	t.started = false
	cancel := t.cancel
	t.mu.Unlock()

	cancel()
	t.wg.Wait()
	t.setMode(ModeStopped)

	logging.Info("Transport stopped", nil)
}

// SendOptimistic performs the mutation immediately instead of waiting for
// any confirmation channel. In pull mode it additionally schedules one
// out-of-cycle poll shortly after, to pick up the server's echo without
// changing the steady-state poll interval.
func (t *Transport) SendOptimistic(ctx context.Context, collection, recordID string, payload map[string]interface{}) (*rpc.Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, t.cfg.CallTimeout)
	defer cancel()

	client := t.getClient()
	if client == nil {
		return nil, apperrors.New(apperrors.ErrSyncTransient, "no RPC client available")
	}
	res, err := client.Mutate(callCtx, rpc.Mutation{
		Collection: collection,
		Kind:       rpc.MutateUpdate,
		RecordID:   recordID,
		Payload:    payload,
	})
	if err != nil {
		return nil, err
	}

	if t.Mode() == ModePull {
		delay := t.cfg.OptimisticPollDelay
		time.AfterFunc(delay, func() {
			select {
			case t.pollNow <- struct{}{}:
			default:
			}
		})
	}
	return res, nil
}

// run is the connection state machine: attempt push, read until the
// channel drops, degrade to polling while reconnecting with backoff,
// promote back on success.
func (t *Transport) run(ctx context.Context) {
	backoff := t.cfg.ReconnectBase

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := t.dial(ctx)
		if err == nil {
			backoff = t.cfg.ReconnectBase
			t.setMode(ModePush)
			telemetry.RecordCount("transport.push_established", 1)
			logging.Info("Push channel live", nil)

			err = t.pushSession(ctx, conn)
			if ctx.Err() != nil {
				return
			}
			logging.Warn("Push channel lost", map[string]interface{}{
				"error": errString(err),
			})
		} else {
			logging.Warn("Push connection failed", map[string]interface{}{
				"error": errString(err),
			})
		}

		t.setMode(ModePull)
		telemetry.RecordCount("transport.fallback", 1)

		// Poll until the next reconnect attempt is due, then loop back
		// to dialing. Backoff doubles per failed attempt, capped.
		if !t.degradedWait(ctx, backoff) {
			return
		}
		backoff *= 2
		if backoff > t.cfg.ReconnectCap {
			backoff = t.cfg.ReconnectCap
		}
	}
}

func (t *Transport) dial(ctx context.Context) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()
	return t.dialer.Dial(dialCtx)
}

// pushSession subscribes from the current watermarks and reads until the
// connection fails or the context is cancelled.
func (t *Transport) pushSession(ctx context.Context, conn Conn) error {
	defer conn.Close()

	since := make(map[string]int64)
	for _, c := range t.Collections() {
		seq, err := t.store.Watermark(models.WatermarkScopeChannel, c)
		if err != nil {
			return err
		}
		since[c] = seq
	}

	if err := conn.Subscribe(SubscribeRequest{
		Channels: t.Collections(),
		Since:    since,
	}); err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		msg, err := conn.Read()
		if err != nil {
			return err
		}
		t.notify(Update{
			Collection: msg.Channel,
			Sequence:   msg.Sequence,
			Payload:    msg.Payload,
		})
	}
}

// degradedWait polls on the configured interval until the reconnect delay
// elapses. Returns false when the context is cancelled. An in-flight poll
// completes (or times out) before this returns.
func (t *Transport) degradedWait(ctx context.Context, reconnectIn time.Duration) bool {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	reconnect := time.NewTimer(reconnectIn)
	defer reconnect.Stop()

	// Poll immediately on entering degraded mode so the gap the push
	// channel left behind is closed without waiting a full interval.
	t.pollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return false
		case <-reconnect.C:
			return true
		case <-ticker.C:
			t.pollOnce(ctx)
		case <-t.pollNow:
			t.pollOnce(ctx)
		}
	}
}

// pollOnce queries each subscribed collection for records above its
// watermark and surfaces them through notify.
func (t *Transport) pollOnce(ctx context.Context) {
	for _, collection := range t.Collections() {
		if ctx.Err() != nil {
			return
		}

		hwm, err := t.store.Watermark(models.WatermarkScopeChannel, collection)
		if err != nil {
			logging.Error("Failed to read watermark", err,
				map[string]interface{}{"collection": collection})
			continue
		}

		client := t.getClient()
		if client == nil {
			return
		}

		callCtx, cancel := context.WithTimeout(ctx, t.cfg.CallTimeout)
		records, err := client.Query(callCtx, collection,
			[]rpc.Criterion{{Field: "id", Op: ">", Value: hwm}},
			nil, "id asc", t.cfg.PollLimit)
		cancel()
		if err != nil {
			logging.Warn("Poll query failed", map[string]interface{}{
				"collection": collection,
				"error":      err.Error(),
			})
			continue
		}

		for _, record := range records {
			t.notify(Update{
				Collection: collection,
				Sequence:   record.Sequence(),
				Payload:    record,
			})
		}
	}
}

// notify is the single delivery funnel for both modes. A sequence at or
// below the collection's high-water mark is dropped (overlap during a
// mode transition); otherwise the mark advances durably and the update
// surfaces to the subscriber channel.
func (t *Transport) notify(u Update) {
	advanced, err := t.store.AdvanceWatermark(models.WatermarkScopeChannel, u.Collection, u.Sequence)
	if err != nil {
		logging.Error("Failed to advance watermark", err, map[string]interface{}{
			"collection": u.Collection,
			"sequence":   u.Sequence,
		})
		return
	}
	if !advanced {
		return
	}

	// Drop-oldest backpressure: a slow subscriber loses the oldest
	// buffered update, which the next reconciliation cycle recovers.
	select {
	case t.updates <- u:
	default:
		select {
		case <-t.updates:
		default:
		}
		select {
		case t.updates <- u:
		default:
		}
	}
}

func (t *Transport) setMode(m Mode) {
	t.mu.Lock()
	t.mode = m
	t.mu.Unlock()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
