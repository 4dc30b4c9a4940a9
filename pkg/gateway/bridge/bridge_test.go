package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	pionrtp "github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vango-go/vai-call/pkg/core"
	"github.com/vango-go/vai-call/pkg/gateway/call"
	"github.com/vango-go/vai-call/pkg/gateway/metrics"
	"github.com/vango-go/vai-call/pkg/gateway/realtime"
	"github.com/vango-go/vai-call/pkg/gateway/rtp"
	"github.com/vango-go/vai-call/pkg/gateway/speech"
	"github.com/vango-go/vai-call/pkg/gateway/transcript"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeConn struct {
	mu        sync.Mutex
	batches   [][][]byte
	requests  []string
	cancels   int
	closed    bool
	events    chan realtime.Event
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan realtime.Event, 64)}
}

func (c *fakeConn) SendAudio(_ context.Context, chunks [][]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return realtime.ErrClosed
	}
	c.batches = append(c.batches, chunks)
	return nil
}

func (c *fakeConn) RequestResponse(_ context.Context, instructions string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return realtime.ErrClosed
	}
	c.requests = append(c.requests, instructions)
	return nil
}

func (c *fakeConn) CancelResponse(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels++
	return nil
}

func (c *fakeConn) Events() <-chan realtime.Event { return c.events }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// drop simulates the provider hanging up.
func (c *fakeConn) drop() {
	c.closeOnce.Do(func() { close(c.events) })
}

func (c *fakeConn) requestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func (c *fakeConn) cancelCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancels
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) audioBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, b := range c.batches {
		for _, chunk := range b {
			n += len(chunk)
		}
	}
	return n
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
	// gate, when set, runs before each dial and may block it.
	gate func(callID string)
}

func (d *fakeDialer) Dial(_ context.Context, callID string) (realtime.Conn, error) {
	if d.gate != nil {
		d.gate(callID)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

type testEnv struct {
	clock    *fakeClock
	registry *call.Registry
	media    *rtp.Manager
	store    *transcript.MemoryStore
	dialer   *fakeDialer
	metrics  *metrics.Metrics
	bridge   *Bridge
}

func newTestEnv(t *testing.T, opts ...func(*call.RegistryConfig)) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &testEnv{
		clock:   &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)},
		store:   transcript.NewMemoryStore(),
		dialer:  &fakeDialer{},
		metrics: metrics.New("test"),
	}
	regCfg := call.RegistryConfig{
		Logger: logger,
		Now:    env.clock.Now,
		OnTransition: func(from, to call.State, accepted bool) {
			env.metrics.RecordTransition(from.String(), to.String(), accepted)
		},
	}
	for _, opt := range opts {
		opt(&regCfg)
	}
	env.registry = call.NewRegistry(regCfg)
	env.media = rtp.NewManager(rtp.Config{BindIP: "127.0.0.1"}, logger)
	env.bridge = New(Config{Logger: logger, Metrics: env.metrics}, env.registry, env.media, env.dialer, speech.New(speech.Config{Store: env.store, Logger: logger}))
	t.Cleanup(func() {
		env.bridge.EndAll("test cleanup")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = env.bridge.Wait(ctx)
	})
	return env
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("probe port: %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	_ = conn.Close()
	return port
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (env *testEnv) waitState(t *testing.T, callID string, want call.State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool {
		snap, ok := env.registry.Snapshot(callID)
		return ok && snap.State == want
	})
}

func (env *testEnv) start(t *testing.T, callID string) (*fakeConn, int) {
	t.Helper()
	port := freeUDPPort(t)
	_, created, err := env.bridge.StartCall(context.Background(), StartRequest{
		Port:           port,
		CallID:         callID,
		ChannelID:      "chan-" + callID,
		ConversationID: "conv-" + callID,
	})
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if !created {
		t.Fatalf("StartCall created=false")
	}
	env.dialer.mu.Lock()
	conn := env.dialer.conns[len(env.dialer.conns)-1]
	env.dialer.mu.Unlock()
	return conn, port
}

// greet drives the call through its greeting to GREETING_COMPLETE.
func (env *testEnv) greet(t *testing.T, callID string, conn *fakeConn) {
	t.Helper()
	env.waitState(t, callID, call.StateWaitingForGreeting)
	conn.events <- realtime.Event{CallID: callID, Kind: realtime.EventResponseCreated}
	conn.events <- realtime.Event{CallID: callID, Kind: realtime.EventAudioDelta, Audio: make([]byte, 320)}
	conn.events <- realtime.Event{CallID: callID, Kind: realtime.EventTranscriptDelta, Text: "Hello, thanks for calling."}
	conn.events <- realtime.Event{CallID: callID, Kind: realtime.EventResponseDone}
	env.waitState(t, callID, call.StateGreetingComplete)
}

func (env *testEnv) transcript(t *testing.T, callID string) []transcript.Message {
	t.Helper()
	msgs, err := env.store.FindMessagesByConversation(context.Background(), "conv-"+callID)
	if err != nil {
		t.Fatalf("transcript: %v", err)
	}
	return msgs
}

func TestStartCall_GreetsAndIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	conn, port := env.start(t, "call-1")
	env.greet(t, "call-1", conn)

	conn.mu.Lock()
	greeting := conn.requests[0]
	conn.mu.Unlock()
	if greeting != realtime.DefaultGreetingPrompt {
		t.Fatalf("greeting=%q", greeting)
	}

	snap, created, err := env.bridge.StartCall(context.Background(), StartRequest{Port: port, CallID: "call-1", ChannelID: "chan-call-1"})
	if err != nil || created {
		t.Fatalf("second StartCall created=%v err=%v", created, err)
	}
	if snap.State != call.StateGreetingComplete || env.dialer.dials() != 1 {
		t.Fatalf("state=%s dials=%d", snap.State, env.dialer.dials())
	}
	if !snap.Ready {
		t.Fatalf("session not marked ready")
	}

	msgs := env.transcript(t, "call-1")
	if len(msgs) != 1 || msgs[0].Role != transcript.RoleAssistant || msgs[0].Content != "Hello, thanks for calling." {
		t.Fatalf("transcript=%+v", msgs)
	}
}

func TestConversationTurn(t *testing.T) {
	env := newTestEnv(t)
	conn, _ := env.start(t, "call-1")
	env.greet(t, "call-1", conn)
	env.clock.Advance(5 * time.Second)

	t0 := env.clock.Now()
	conn.events <- realtime.Event{CallID: "call-1", Kind: realtime.EventSpeechStarted, At: t0}
	env.waitState(t, "call-1", call.StateUserSpeaking)
	conn.events <- realtime.Event{CallID: "call-1", Kind: realtime.EventInputTranscript, Text: "What are your hours?", Final: true}
	conn.events <- realtime.Event{CallID: "call-1", Kind: realtime.EventSpeechStopped, At: t0.Add(2 * time.Second)}
	env.waitState(t, "call-1", call.StateAIResponding)
	waitFor(t, "response request", func() bool { return conn.requestCount() == 2 })

	conn.events <- realtime.Event{CallID: "call-1", Kind: realtime.EventResponseCreated}
	conn.events <- realtime.Event{CallID: "call-1", Kind: realtime.EventAudioDelta, Audio: make([]byte, 160), At: t0.Add(3 * time.Second)}
	conn.events <- realtime.Event{CallID: "call-1", Kind: realtime.EventTranscriptDelta, Text: "We are open nine to five."}
	conn.events <- realtime.Event{CallID: "call-1", Kind: realtime.EventResponseDone}
	env.waitState(t, "call-1", call.StateConversationActive)

	msgs := env.transcript(t, "call-1")
	if len(msgs) != 3 {
		t.Fatalf("messages=%d", len(msgs))
	}
	if msgs[1].Role != transcript.RoleCaller || msgs[1].Content != "What are your hours?" || !msgs[1].CreatedAt.Equal(t0) {
		t.Fatalf("caller message=%+v", msgs[1])
	}
	if msgs[2].Role != transcript.RoleAssistant || msgs[2].Content != "We are open nine to five." {
		t.Fatalf("ai message=%+v", msgs[2])
	}
}

func TestCallerTurnInsideGracePeriodIsDeferred(t *testing.T) {
	env := newTestEnv(t)
	conn, _ := env.start(t, "call-1")
	env.greet(t, "call-1", conn)
	env.clock.Advance(call.DefaultGracePeriod - 500*time.Millisecond)

	conn.events <- realtime.Event{CallID: "call-1", Kind: realtime.EventSpeechStarted}
	conn.events <- realtime.Event{CallID: "call-1", Kind: realtime.EventSpeechStopped}
	env.waitState(t, "call-1", call.StateUserSpeaking)
	if n := conn.requestCount(); n != 1 {
		t.Fatalf("responded inside grace period: requests=%d", n)
	}
	env.waitState(t, "call-1", call.StateAIResponding)
	waitFor(t, "deferred response request", func() bool { return conn.requestCount() == 2 })
}

func TestCallerBargeInClearsPlaybackAndCancels(t *testing.T) {
	env := newTestEnv(t)
	conn, _ := env.start(t, "call-1")
	env.greet(t, "call-1", conn)
	env.clock.Advance(5 * time.Second)

	conn.events <- realtime.Event{CallID: "call-1", Kind: realtime.EventSpeechStarted}
	conn.events <- realtime.Event{CallID: "call-1", Kind: realtime.EventSpeechStopped}
	env.waitState(t, "call-1", call.StateAIResponding)
	conn.events <- realtime.Event{CallID: "call-1", Kind: realtime.EventResponseCreated}
	conn.events <- realtime.Event{CallID: "call-1", Kind: realtime.EventAudioDelta, Audio: make([]byte, 4000)}
	conn.events <- realtime.Event{CallID: "call-1", Kind: realtime.EventSpeechStarted}
	env.waitState(t, "call-1", call.StateUserSpeaking)
	waitFor(t, "response cancel", func() bool { return conn.cancelCount() == 1 })

	// Audio still in flight from the cancelled response is not played.
	conn.events <- realtime.Event{CallID: "call-1", Kind: realtime.EventAudioDelta, Audio: make([]byte, 4000)}
	conn.events <- realtime.Event{CallID: "call-1", Kind: realtime.EventSpeechStopped}
	env.waitState(t, "call-1", call.StateAIResponding)
	l, ok := env.media.Get("call-1")
	if !ok {
		t.Fatalf("listener missing")
	}
	if got := l.Transmitter().Buffered(); got != 0 {
		t.Fatalf("buffered=%v after barge-in", got)
	}

	history := env.registry.History("call-1")
	var sawBargeIn bool
	for _, h := range history {
		if h.Reason == "caller barge-in" {
			sawBargeIn = true
		}
	}
	if !sawBargeIn {
		t.Fatalf("history=%+v", history)
	}
	if got := testutil.ToFloat64(env.metrics.BargeIns); got != 1 {
		t.Fatalf("barge_ins_total=%v, want 1", got)
	}
	if got := testutil.ToFloat64(env.metrics.Transitions.WithLabelValues("AI_RESPONDING", "CONVERSATION_ACTIVE")); got != 1 {
		t.Fatalf("AI_RESPONDING->CONVERSATION_ACTIVE transitions=%v, want 1", got)
	}
}

func shortGrace(cfg *call.RegistryConfig) {
	cfg.GracePeriod = 50 * time.Millisecond
}

// startGreeting drives the call into GREETING_ACTIVE.
func (env *testEnv) startGreeting(t *testing.T, callID string, conn *fakeConn) {
	t.Helper()
	env.waitState(t, callID, call.StateWaitingForGreeting)
	conn.events <- realtime.Event{CallID: callID, Kind: realtime.EventResponseCreated}
	conn.events <- realtime.Event{CallID: callID, Kind: realtime.EventAudioDelta, Audio: make([]byte, 320)}
	env.waitState(t, callID, call.StateGreetingActive)
}

func TestCallerWhoSpokeOverGreetingIsAnswered(t *testing.T) {
	env := newTestEnv(t, shortGrace)
	conn, _ := env.start(t, "call-1")
	env.startGreeting(t, "call-1", conn)

	t0 := env.clock.Now()
	conn.events <- realtime.Event{CallID: "call-1", Kind: realtime.EventSpeechStarted, At: t0}
	conn.events <- realtime.Event{CallID: "call-1", Kind: realtime.EventSpeechStopped}
	conn.events <- realtime.Event{CallID: "call-1", Kind: realtime.EventInputTranscript, Text: "Can I book a table?", Final: true}
	conn.events <- realtime.Event{CallID: "call-1", Kind: realtime.EventResponseDone}

	env.waitState(t, "call-1", call.StateAIResponding)
	waitFor(t, "response request", func() bool { return conn.requestCount() == 2 })

	msgs := env.transcript(t, "call-1")
	var found bool
	for _, m := range msgs {
		if m.Role == transcript.RoleCaller && m.Content == "Can I book a table?" && m.CreatedAt.Equal(t0) {
			found = true
		}
	}
	if !found {
		t.Fatalf("caller message missing: %+v", msgs)
	}
}

func TestCallerStillSpeakingWhenGreetingEndsKeepsTheTurn(t *testing.T) {
	env := newTestEnv(t, shortGrace)
	conn, _ := env.start(t, "call-1")
	env.startGreeting(t, "call-1", conn)

	conn.events <- realtime.Event{CallID: "call-1", Kind: realtime.EventSpeechStarted}
	conn.events <- realtime.Event{CallID: "call-1", Kind: realtime.EventResponseDone}
	env.waitState(t, "call-1", call.StateUserSpeaking)
	if n := conn.requestCount(); n != 1 {
		t.Fatalf("responded while caller still speaking: requests=%d", n)
	}

	env.clock.Advance(time.Second)
	conn.events <- realtime.Event{CallID: "call-1", Kind: realtime.EventSpeechStopped}
	env.waitState(t, "call-1", call.StateAIResponding)
	waitFor(t, "response request", func() bool { return conn.requestCount() == 2 })
}

func TestStartCall_SlowDialDoesNotBlockOtherCalls(t *testing.T) {
	env := newTestEnv(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	env.dialer.gate = func(callID string) {
		if callID == "slow" {
			close(entered)
			<-release
		}
	}

	type result struct {
		created bool
		err     error
	}
	results := make(chan result, 2)
	slowPort := freeUDPPort(t)
	startSlow := func() {
		_, created, err := env.bridge.StartCall(context.Background(), StartRequest{Port: slowPort, CallID: "slow", ChannelID: "chan-slow"})
		results <- result{created, err}
	}
	go startSlow()
	<-entered
	// A second start for the same call waits behind the first.
	go startSlow()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, created, err := env.bridge.StartCall(ctx, StartRequest{Port: freeUDPPort(t), CallID: "fast", ChannelID: "chan-fast"}); err != nil || !created {
		t.Fatalf("fast StartCall created=%v err=%v", created, err)
	}

	close(release)
	createdCount := 0
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("slow StartCall: %v", r.err)
		}
		if r.created {
			createdCount++
		}
	}
	if createdCount != 1 || env.dialer.dials() != 2 {
		t.Fatalf("created=%d dials=%d, want 1 and 2", createdCount, env.dialer.dials())
	}
}

func TestEndCallPersistsPendingCallerText(t *testing.T) {
	env := newTestEnv(t)
	conn, _ := env.start(t, "call-1")
	env.greet(t, "call-1", conn)
	env.clock.Advance(5 * time.Second)

	conn.events <- realtime.Event{CallID: "call-1", Kind: realtime.EventSpeechStarted}
	conn.events <- realtime.Event{CallID: "call-1", Kind: realtime.EventInputTranscript, Text: "never mind, "}
	conn.events <- realtime.Event{CallID: "call-1", Kind: realtime.EventInputTranscript, Text: "goodbye"}
	conn.events <- realtime.Event{CallID: "call-1", Kind: realtime.EventSpeechStopped}
	env.waitState(t, "call-1", call.StateAIResponding)
	waitFor(t, "events processed", func() bool { return len(conn.events) == 0 })

	env.bridge.EndCall("call-1", "caller hung up")
	msgs := env.transcript(t, "call-1")
	if len(msgs) != 2 || msgs[1].Content != "never mind, goodbye" {
		t.Fatalf("transcript=%+v", msgs)
	}
}

func TestInboundRTPReachesAISocket(t *testing.T) {
	env := newTestEnv(t)
	conn, port := env.start(t, "call-1")

	peer, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer peer.Close()
	for i := 0; i < 4; i++ {
		pkt := pionrtp.Packet{
			Header:  pionrtp.Header{Version: 2, PayloadType: 0, SequenceNumber: uint16(100 + i), Timestamp: uint32(160 * i), SSRC: 7},
			Payload: make([]byte, 160),
		}
		raw, _ := pkt.Marshal()
		if _, err := peer.Write(raw); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	waitFor(t, "audio at ai socket", func() bool { return conn.audioBytes() == 640 })
}

func TestDispatchBatchesQueuedAudio(t *testing.T) {
	conn := newFakeConn()
	q := call.NewAudioQueue(200)
	for i := 0; i < 45; i++ {
		q.Push([]byte{byte(i)})
	}
	h := &handler{
		b:      &Bridge{cfg: Config{DispatchBatch: 20}},
		conn:   conn,
		queue:  q,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	h.dispatch(context.Background())
	if len(conn.batches) != 3 {
		t.Fatalf("batches=%d", len(conn.batches))
	}
	for i, want := range []int{20, 20, 5} {
		if got := len(conn.batches[i]); got != want {
			t.Fatalf("batch %d size=%d, want %d", i, got, want)
		}
	}
	if conn.batches[0][0][0] != 0 || conn.batches[2][4][0] != 44 {
		t.Fatalf("batches out of order")
	}
}

func TestEndCallReleasesEverything(t *testing.T) {
	env := newTestEnv(t)
	conn, port := env.start(t, "call-1")
	env.greet(t, "call-1", conn)

	if !env.bridge.EndCall("call-1", "caller hung up") {
		t.Fatalf("EndCall returned false")
	}
	if _, ok := env.registry.Snapshot("call-1"); ok {
		t.Fatalf("session still registered")
	}
	if _, ok := env.media.Get("call-1"); ok {
		t.Fatalf("listener still registered")
	}
	if !conn.isClosed() {
		t.Fatalf("ai socket not closed")
	}
	if st := env.media.StatusByPort(port); st.Found {
		t.Fatalf("port still owned: %+v", st)
	}
	if env.bridge.EndCall("call-1", "again") {
		t.Fatalf("second EndCall returned true")
	}
	if got := testutil.ToFloat64(env.metrics.CallsActive); got != 0 {
		t.Fatalf("calls_active=%v, want 0", got)
	}
	if got := testutil.ToFloat64(env.metrics.CallsEnded.WithLabelValues("caller hung up")); got != 1 {
		t.Fatalf("calls_ended_total=%v, want 1", got)
	}
	// Events for a stopped call are ignored.
	conn.events <- realtime.Event{CallID: "call-1", Kind: realtime.EventSpeechStarted}
}

func TestAISocketLossEndsCall(t *testing.T) {
	env := newTestEnv(t)
	conn, _ := env.start(t, "call-1")
	env.waitState(t, "call-1", call.StateWaitingForGreeting)
	conn.drop()
	waitFor(t, "call torn down", func() bool {
		_, ok := env.registry.Snapshot("call-1")
		return !ok
	})
	if _, ok := env.media.Get("call-1"); ok {
		t.Fatalf("listener survived ai socket loss")
	}
	if got := testutil.ToFloat64(env.metrics.AIFailures.WithLabelValues("socket")); got != 1 {
		t.Fatalf("ai_failures_total{stage=socket}=%v, want 1", got)
	}
}

func TestEventsForOtherCallsAreDropped(t *testing.T) {
	env := newTestEnv(t)
	conn, _ := env.start(t, "call-1")
	env.greet(t, "call-1", conn)
	env.clock.Advance(5 * time.Second)

	conn.events <- realtime.Event{CallID: "call-2", Kind: realtime.EventSpeechStarted}
	waitFor(t, "events processed", func() bool { return len(conn.events) == 0 })
	time.Sleep(20 * time.Millisecond)
	if st, _ := env.registry.GetState("call-1"); st != call.StateGreetingComplete {
		t.Fatalf("state=%s", st)
	}
}

func TestStartCallFailures(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.bridge.StartCall(context.Background(), StartRequest{Port: freeUDPPort(t), ChannelID: "ch"})
	if !core.IsInvalidRequest(err) {
		t.Fatalf("missing call id err=%v", err)
	}
	_, _, err = env.bridge.StartCall(context.Background(), StartRequest{Port: freeUDPPort(t), CallID: "c", ChannelID: "ch", RemoteAddr: "not an address"})
	if !core.IsInvalidRequest(err) {
		t.Fatalf("bad remote err=%v", err)
	}

	env.dialer.err = core.NewProviderError(realtime.ProviderOpenAI, errors.New("401"))
	port := freeUDPPort(t)
	_, _, err = env.bridge.StartCall(context.Background(), StartRequest{Port: port, CallID: "c", ChannelID: "ch"})
	if !core.IsType(err, core.ErrProvider) {
		t.Fatalf("dial err=%v", err)
	}
	if st := env.media.StatusByPort(port); st.Found {
		t.Fatalf("port held after dial failure")
	}
	if env.registry.Count() != 0 {
		t.Fatalf("session registered after dial failure")
	}
}
