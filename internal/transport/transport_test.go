package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fieldsync/fieldsync/internal/db"
	"github.com/fieldsync/fieldsync/internal/models"
	"github.com/fieldsync/fieldsync/internal/rpc"
)

// fakeConn is a scriptable push connection fed through a channel.
type fakeConn struct {
	mu   sync.Mutex
	subs []SubscribeRequest

	msgs   chan *PushMessage
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		msgs:   make(chan *PushMessage, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Subscribe(req SubscribeRequest) error {
	c.mu.Lock()
	c.subs = append(c.subs, req)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Read() (*PushMessage, error) {
	select {
	case msg, ok := <-c.msgs:
		if !ok {
			return nil, errors.New("connection lost")
		}
		return msg, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) drop() {
	close(c.msgs)
}

func (c *fakeConn) subscribes() []SubscribeRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SubscribeRequest, len(c.subs))
	copy(out, c.subs)
	return out
}

// fakeDialer returns scripted connections, one per Dial call.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	errs  []error
	calls int
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.calls
	d.calls++
	if i < len(d.errs) && d.errs[i] != nil {
		return nil, d.errs[i]
	}
	if i < len(d.conns) && d.conns[i] != nil {
		return d.conns[i], nil
	}
	return nil, errors.New("no connection scripted")
}

// pollClient answers poll queries from a scripted record set.
type pollClient struct {
	mu      sync.Mutex
	records map[string][]rpc.Record
}

func (c *pollClient) Query(ctx context.Context, collection string, criteria []rpc.Criterion, fields []string, order string, limit int) ([]rpc.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var since int64
	for _, cr := range criteria {
		if cr.Field == "id" && cr.Op == ">" {
			if v, ok := cr.Value.(int64); ok {
				since = v
			}
		}
	}

	var out []rpc.Record
	for _, r := range c.records[collection] {
		if r.Sequence() > since {
			out = append(out, r)
		}
	}
	return out, nil
}

func (c *pollClient) Mutate(ctx context.Context, m rpc.Mutation) (*rpc.Result, error) {
	return &rpc.Result{RecordID: m.RecordID}, nil
}

func (c *pollClient) add(collection string, records ...rpc.Record) {
	c.mu.Lock()
	c.records[collection] = append(c.records[collection], records...)
	c.mu.Unlock()
}

func testStore(t *testing.T) *db.Store {
	t.Helper()
	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.InitSchema(); err != nil {
		t.Fatalf("Failed to initialize schema: %v", err)
	}
	return db.NewStore(database.DB)
}

func fastConfig() *Config {
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.ReconnectBase = 25 * time.Millisecond
	cfg.ReconnectCap = 100 * time.Millisecond
	cfg.DialTimeout = 100 * time.Millisecond
	cfg.CallTimeout = 100 * time.Millisecond
	return cfg
}

func record(id int64) rpc.Record {
	return rpc.Record{"id": id, "status": "done"}
}

func collect(t *testing.T, updates <-chan Update, n int) []Update {
	t.Helper()
	out := make([]Update, 0, n)
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case u := <-updates:
			out = append(out, u)
		case <-deadline:
			t.Fatalf("Timed out waiting for updates, got %d of %d: %v", len(out), n, out)
		}
	}
	return out
}

func waitForMode(t *testing.T, tr *Transport, want Mode) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tr.Mode() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("Transport never reached mode %s, stuck in %s", want, tr.Mode())
}

// =====================================================
// Push Mode Tests
// =====================================================

func TestPushDelivery(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	tr := New(dialer, &pollClient{records: map[string][]rpc.Record{}}, testStore(t), fastConfig())

	if err := tr.Start(context.Background(), []string{"tasks"}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer tr.Stop()
	waitForMode(t, tr, ModePush)

	conn.msgs <- &PushMessage{Channel: "tasks", Sequence: 1, Payload: map[string]interface{}{"id": 1}}
	conn.msgs <- &PushMessage{Channel: "tasks", Sequence: 2, Payload: map[string]interface{}{"id": 2}}

	got := collect(t, tr.Updates(), 2)
	if got[0].Sequence != 1 || got[1].Sequence != 2 {
		t.Errorf("Updates out of order: %v", got)
	}

	subs := conn.subscribes()
	if len(subs) != 1 {
		t.Fatalf("Expected one subscribe, got %d", len(subs))
	}
	if len(subs[0].Channels) != 1 || subs[0].Channels[0] != "tasks" {
		t.Errorf("Unexpected subscribe channels: %v", subs[0].Channels)
	}
	if subs[0].Since["tasks"] != 0 {
		t.Errorf("Expected fresh subscription from sequence 0, got %d", subs[0].Since["tasks"])
	}
}

func TestPushToPullFallback(t *testing.T) {
	conn := newFakeConn()
	// First dial succeeds, every reconnect attempt fails.
	dialer := &fakeDialer{
		conns: []*fakeConn{conn},
		errs:  []error{nil, errors.New("server gone"), errors.New("server gone"), errors.New("server gone")},
	}
	client := &pollClient{records: map[string][]rpc.Record{}}
	tr := New(dialer, client, testStore(t), fastConfig())

	if err := tr.Start(context.Background(), []string{"tasks"}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer tr.Stop()
	waitForMode(t, tr, ModePush)

	conn.msgs <- &PushMessage{Channel: "tasks", Sequence: 1, Payload: map[string]interface{}{"id": 1}}
	collect(t, tr.Updates(), 1)

	// Changes keep flowing while the push channel is down.
	client.add("tasks", record(2), record(3))
	conn.drop()
	waitForMode(t, tr, ModePull)

	got := collect(t, tr.Updates(), 2)
	if got[0].Sequence != 2 || got[1].Sequence != 3 {
		t.Errorf("Expected polled sequences 2 and 3, got %v", got)
	}
}

func TestModeSwitchNoDuplicatesNoGaps(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{first, second}}
	client := &pollClient{records: map[string][]rpc.Record{}}
	tr := New(dialer, client, testStore(t), fastConfig())

	if err := tr.Start(context.Background(), []string{"tasks"}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer tr.Stop()
	waitForMode(t, tr, ModePush)

	// Push delivers 1 and 2, then the channel drops. The poll overlaps
	// the already-seen window: it re-serves 1 and 2 along with 3.
	first.msgs <- &PushMessage{Channel: "tasks", Sequence: 1, Payload: map[string]interface{}{"id": 1}}
	first.msgs <- &PushMessage{Channel: "tasks", Sequence: 2, Payload: map[string]interface{}{"id": 2}}
	collect(t, tr.Updates(), 2)

	client.add("tasks", record(1), record(2), record(3))
	first.drop()

	// After the reconnect delay the second connection promotes back to
	// push and re-serves 3 before continuing with 4.
	second.msgs <- &PushMessage{Channel: "tasks", Sequence: 3, Payload: map[string]interface{}{"id": 3}}
	second.msgs <- &PushMessage{Channel: "tasks", Sequence: 4, Payload: map[string]interface{}{"id": 4}}

	got := collect(t, tr.Updates(), 2)

	// Exactly once each, in order, across the push-pull-push transition.
	seen := map[int64]int{1: 1, 2: 1}
	last := int64(2)
	for _, u := range got {
		seen[u.Sequence]++
		if u.Sequence <= last {
			t.Errorf("Sequence went backwards or repeated: %v", got)
		}
		last = u.Sequence
	}
	for seq := int64(1); seq <= 4; seq++ {
		if seen[seq] != 1 {
			t.Errorf("Sequence %d delivered %d times", seq, seen[seq])
		}
	}

	waitForMode(t, tr, ModePush)
	subs := second.subscribes()
	if len(subs) != 1 {
		t.Fatalf("Expected one subscribe on the second connection, got %d", len(subs))
	}
	if subs[0].Since["tasks"] < 2 {
		t.Errorf("Resubscribe ignored the watermark: since=%d", subs[0].Since["tasks"])
	}
}

// =====================================================
// Delivery Funnel Tests
// =====================================================

func TestNotifyDropsStaleSequences(t *testing.T) {
	store := testStore(t)
	tr := New(&fakeDialer{}, nil, store, fastConfig())

	tr.notify(Update{Collection: "tasks", Sequence: 5})
	tr.notify(Update{Collection: "tasks", Sequence: 5}) // duplicate
	tr.notify(Update{Collection: "tasks", Sequence: 3}) // stale
	tr.notify(Update{Collection: "tasks", Sequence: 6})

	if got := len(tr.updates); got != 2 {
		t.Errorf("Expected 2 buffered updates, got %d", got)
	}

	hwm, err := store.Watermark(models.WatermarkScopeChannel, "tasks")
	if err != nil {
		t.Fatalf("Watermark failed: %v", err)
	}
	if hwm != 6 {
		t.Errorf("Expected watermark 6, got %d", hwm)
	}
}

func TestNotifyDropsOldestWhenFull(t *testing.T) {
	cfg := fastConfig()
	cfg.BufferSize = 2
	tr := New(&fakeDialer{}, nil, testStore(t), cfg)

	tr.notify(Update{Collection: "tasks", Sequence: 1})
	tr.notify(Update{Collection: "tasks", Sequence: 2})
	tr.notify(Update{Collection: "tasks", Sequence: 3})

	// The oldest update is sacrificed, never the newest.
	u := <-tr.updates
	if u.Sequence != 2 {
		t.Errorf("Expected sequence 2 first, got %d", u.Sequence)
	}
	u = <-tr.updates
	if u.Sequence != 3 {
		t.Errorf("Expected sequence 3 second, got %d", u.Sequence)
	}
}

// =====================================================
// Lifecycle Tests
// =====================================================

func TestStartTwiceFails(t *testing.T) {
	dialer := &fakeDialer{errs: []error{errors.New("down")}}
	tr := New(dialer, nil, testStore(t), fastConfig())

	if err := tr.Start(context.Background(), []string{"tasks"}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer tr.Stop()

	if err := tr.Start(context.Background(), []string{"tasks"}); err == nil {
		t.Error("Expected second Start to fail")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	dialer := &fakeDialer{errs: []error{errors.New("down")}}
	tr := New(dialer, &pollClient{records: map[string][]rpc.Record{}}, testStore(t), fastConfig())

	if err := tr.Start(context.Background(), []string{"tasks"}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	tr.Stop()
	tr.Stop()

	if tr.Mode() != ModeStopped {
		t.Errorf("Expected stopped mode, got %s", tr.Mode())
	}
}

// =====================================================
// WebSocket Dialer Tests
// =====================================================

func TestWebSocketDialerWithoutEndpoint(t *testing.T) {
	// The dialer starts empty in embeddings that configure the endpoint
	// after session establishment. Until then every attempt fails
	// transiently, leaving the transport in degraded pull.
	d := NewWebSocketDialer("", nil)

	_, err := d.Dial(context.Background())
	if err == nil {
		t.Fatal("Expected an error without an endpoint")
	}
	if rpc.Classify(err) != rpc.ClassTransient {
		t.Errorf("Unconfigured endpoint must classify transient, got %v", rpc.Classify(err))
	}
}

// =====================================================
// Optimistic Send Tests
// =====================================================

func TestSendOptimistic(t *testing.T) {
	client := &pollClient{records: map[string][]rpc.Record{}}
	tr := New(&fakeDialer{}, client, testStore(t), fastConfig())

	res, err := tr.SendOptimistic(context.Background(), "tasks", "42",
		map[string]interface{}{"status": "done"})
	if err != nil {
		t.Fatalf("SendOptimistic failed: %v", err)
	}
	if res.RecordID != "42" {
		t.Errorf("Unexpected result: %+v", res)
	}
}

func TestSendOptimisticWithoutClient(t *testing.T) {
	tr := New(&fakeDialer{}, nil, testStore(t), fastConfig())

	if _, err := tr.SendOptimistic(context.Background(), "tasks", "42", nil); err == nil {
		t.Error("Expected an error without an RPC client")
	}
}
