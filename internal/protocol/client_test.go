package protocol

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

const (
	testSaveID   = "save-1"
	testDeviceID = "dev-1"
	testTimeout  = 5 * time.Second
)

// --- scripted server harness ---

type srvConn struct {
	ws         *websocket.Conn
	wmu        sync.Mutex
	in         chan *Frame
	resumeFrom int64
}

func newWSServer(t *testing.T) (string, chan *srvConn) {
	t.Helper()
	conns := make(chan *srvConn, 8)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var hello Frame
		if err := ws.ReadJSON(&hello); err != nil || hello.Type != TypeHello {
			_ = ws.Close()
			return
		}
		sc := &srvConn{ws: ws, in: make(chan *Frame, 64), resumeFrom: hello.ResumeFrom}
		sc.write(&Frame{ProtocolVersion: ProtocolVersion, Type: TypeHello, SaveID: hello.SaveID, TS: time.Now().UnixMilli()})
		go sc.pump()
		conns <- sc
	}))
	t.Cleanup(srv.Close)
	return "ws://" + strings.TrimPrefix(srv.URL, "http://"), conns
}

func (sc *srvConn) pump() {
	for {
		var f Frame
		if err := sc.ws.ReadJSON(&f); err != nil {
			close(sc.in)
			return
		}
		if f.Type == TypePing {
			sc.write(&Frame{ProtocolVersion: ProtocolVersion, Type: TypePong, SaveID: f.SaveID})
			continue
		}
		sc.in <- &f
	}
}

func (sc *srvConn) write(f *Frame) {
	sc.wmu.Lock()
	defer sc.wmu.Unlock()
	_ = sc.ws.WriteJSON(f)
}

func (sc *srvConn) sendToken(seq int64, messageID string, idx int, text string) {
	sc.write(&Frame{
		ProtocolVersion: ProtocolVersion,
		Type:            TypeChatToken,
		SaveID:          testSaveID,
		TS:              time.Now().UnixMilli(),
		Seq:             seq,
		Cursor:          "c",
		AckRequired:     true,
		Payload:         marshalPayload(ChatTokenPayload{MessageID: messageID, TokenIndex: idx, Text: text}),
	})
}

func (sc *srvConn) sendDone(seq int64, messageID string, interrupted bool) {
	sc.write(&Frame{
		ProtocolVersion: ProtocolVersion,
		Type:            TypeChatDone,
		SaveID:          testSaveID,
		TS:              time.Now().UnixMilli(),
		Seq:             seq,
		AckRequired:     true,
		Payload:         marshalPayload(ChatDonePayload{MessageID: messageID, Interrupted: interrupted}),
	})
}

func (sc *srvConn) next(t *testing.T, typ FrameType) *Frame {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case f, ok := <-sc.in:
			if !ok {
				t.Fatalf("connection closed while waiting for %s", typ)
			}
			if f.Type == typ {
				return f
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", typ)
		}
	}
}

func acceptConn(t *testing.T, conns chan *srvConn) *srvConn {
	t.Helper()
	select {
	case sc := <-conns:
		return sc
	case <-time.After(testTimeout):
		t.Fatalf("timeout waiting for client connection")
		return nil
	}
}

// --- sink ---

type token struct {
	messageID string
	index     int
	text      string
}

type done struct {
	messageID   string
	interrupted bool
}

type testSink struct {
	mu     sync.Mutex
	tokens []token
	dones  []done
	events []*Frame

	tokenCh chan token
	doneCh  chan done
}

func newTestSink() *testSink {
	return &testSink{tokenCh: make(chan token, 64), doneCh: make(chan done, 16)}
}

func (s *testSink) OnState(ConnState) {}

func (s *testSink) OnToken(messageID string, idx int, text string) {
	tk := token{messageID: messageID, index: idx, text: text}
	s.mu.Lock()
	s.tokens = append(s.tokens, tk)
	s.mu.Unlock()
	s.tokenCh <- tk
}

func (s *testSink) OnDone(messageID string, interrupted bool) {
	d := done{messageID: messageID, interrupted: interrupted}
	s.mu.Lock()
	s.dones = append(s.dones, d)
	s.mu.Unlock()
	s.doneCh <- d
}

func (s *testSink) OnEvent(f *Frame) {
	s.mu.Lock()
	s.events = append(s.events, f)
	s.mu.Unlock()
}

func (s *testSink) waitToken(t *testing.T) token {
	t.Helper()
	select {
	case tk := <-s.tokenCh:
		return tk
	case <-time.After(testTimeout):
		t.Fatalf("timeout waiting for token")
		return token{}
	}
}

func (s *testSink) waitDone(t *testing.T) done {
	t.Helper()
	select {
	case d := <-s.doneCh:
		return d
	case <-time.After(testTimeout):
		t.Fatalf("timeout waiting for done")
		return done{}
	}
}

func (s *testSink) allTokens() []token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]token{}, s.tokens...)
}

func startClient(t *testing.T, url string) (*Client, *testSink) {
	t.Helper()
	sink := newTestSink()
	c, err := NewClient(Options{
		URL:      url,
		SaveID:   testSaveID,
		DeviceID: testDeviceID,
		Sink:     sink,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(runDone)
	}()
	t.Cleanup(func() {
		c.Close()
		cancel()
		select {
		case <-runDone:
		case <-time.After(testTimeout):
			t.Errorf("client Run did not stop")
		}
	})
	return c, sink
}

// --- tests ---

func TestResume_NoGapNoDuplicateAboveLastAck(t *testing.T) {
	t.Parallel()

	url, conns := newWSServer(t)
	c, sink := startClient(t, url)

	sc1 := acceptConn(t, conns)
	if sc1.resumeFrom != 0 {
		t.Fatalf("fresh client must resume from 0, got %d", sc1.resumeFrom)
	}

	sc1.sendToken(1, "m1", 0, "he")
	sc1.sendToken(2, "m1", 1, "llo")
	sink.waitToken(t)
	sink.waitToken(t)
	sc1.next(t, TypeAck)

	// Drop the connection mid-stream.
	_ = sc1.ws.Close()

	sc2 := acceptConn(t, conns)
	if sc2.resumeFrom != 2 {
		t.Fatalf("expected resume_from=2, got %d", sc2.resumeFrom)
	}

	// Overlapping replay: seq 2 was already processed; then fresh frames,
	// including a token the client already surfaced under a new seq.
	sc2.sendToken(2, "m1", 1, "llo")          // duplicate seq: suppressed
	sc2.sendToken(3, "m1", 1, "llo")          // new seq, seen token: deduped
	sc2.sendToken(4, "m1", 2, " world")       // genuinely new
	sc2.sendDone(5, "m1", false)

	tk := sink.waitToken(t)
	if tk.index != 2 {
		t.Fatalf("expected only token index 2 after resume, got %+v", tk)
	}
	d := sink.waitDone(t)
	if d.messageID != "m1" || d.interrupted {
		t.Fatalf("unexpected done: %+v", d)
	}

	// Exactly one delivery per (message, index), in order.
	got := sink.allTokens()
	want := []token{{"m1", 0, "he"}, {"m1", 1, "llo"}, {"m1", 2, " world"}}
	if len(got) != len(want) {
		t.Fatalf("token deliveries: got %+v want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("token %d: got %+v want %+v", i, got[i], want[i])
		}
	}
	if c.LastAck() != 5 {
		t.Fatalf("lastAck: got %d want 5", c.LastAck())
	}
}

func TestSend_SameClientRequestIDAcrossReconnect(t *testing.T) {
	t.Parallel()

	url, conns := newWSServer(t)
	c, _ := startClient(t, url)

	sc1 := acceptConn(t, conns)

	crid, err := c.Send("hello there")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	f1 := sc1.next(t, TypeChatSend)
	if f1.ClientRequestID != crid {
		t.Fatalf("wire client_request_id %q != %q", f1.ClientRequestID, crid)
	}

	// Server dies before confirming; client must resubmit the same frame.
	_ = sc1.ws.Close()
	sc2 := acceptConn(t, conns)

	f2 := sc2.next(t, TypeChatSend)
	if f2.ClientRequestID != crid {
		t.Fatalf("retry minted a new id: %q != %q", f2.ClientRequestID, crid)
	}

	// Idempotency bookkeeping a server would do: unique ids == 1 effect.
	if f1.ClientRequestID != f2.ClientRequestID {
		t.Fatalf("expected one durable effect, ids differ")
	}

	// Confirm it; a further reconnect must not resubmit.
	sc2.write(&Frame{
		ProtocolVersion: ProtocolVersion,
		Type:            TypeAck,
		SaveID:          testSaveID,
		TS:              time.Now().UnixMilli(),
		Payload:         marshalPayload(AckPayload{ClientRequestID: crid}),
	})

	// Give the ACK a moment to land, then force another reconnect.
	waitFor(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.pending) == 0
	})
	_ = sc2.ws.Close()
	sc3 := acceptConn(t, conns)

	select {
	case f, ok := <-sc3.in:
		if ok && f.Type == TypeChatSend {
			t.Fatalf("confirmed send was resubmitted")
		}
	case <-time.After(300 * time.Millisecond):
	}
}

func TestInterrupt_SuppressesLiveTokensUntilDone(t *testing.T) {
	t.Parallel()

	url, conns := newWSServer(t)
	c, sink := startClient(t, url)
	sc := acceptConn(t, conns)

	sc.sendToken(1, "gen-1", 0, "first")
	sink.waitToken(t)

	if err := c.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	// Idempotent: second call is a no-op.
	if err := c.Interrupt(); err != nil {
		t.Fatalf("second Interrupt: %v", err)
	}

	intr := sc.next(t, TypeInterrupt)
	var p InterruptPayload
	if err := unmarshalStrictish(intr.Payload, &p); err != nil || p.MessageID != "gen-1" {
		t.Fatalf("bad interrupt payload: %+v err=%v", p, err)
	}

	// In-flight tokens already on the wire: must be acked but not surfaced.
	sc.sendToken(2, "gen-1", 1, "late")
	sc.sendToken(3, "gen-1", 2, "later")
	sc.sendDone(4, "gen-1", true)

	d := sink.waitDone(t)
	if !d.interrupted || d.messageID != "gen-1" {
		t.Fatalf("expected interrupted done, got %+v", d)
	}
	if got := sink.allTokens(); len(got) != 1 || got[0].index != 0 {
		t.Fatalf("interrupted generation leaked tokens: %+v", got)
	}
	if c.LastAck() != 4 {
		t.Fatalf("suppressed frames must still be acked, lastAck=%d", c.LastAck())
	}
}

func TestInterrupt_BeforeFirstTokenCancelsNextGeneration(t *testing.T) {
	t.Parallel()

	url, conns := newWSServer(t)
	c, sink := startClient(t, url)
	sc := acceptConn(t, conns)

	if _, err := c.Send("stop that"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	sc.next(t, TypeChatSend)

	// No token has streamed yet, so no message_id is known. The interrupt
	// must still reach the wire, targeting the in-flight turn.
	if err := c.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	intr := sc.next(t, TypeInterrupt)
	var p InterruptPayload
	if err := unmarshalStrictish(intr.Payload, &p); err != nil || p.MessageID != "" {
		t.Fatalf("bad interrupt payload: %+v err=%v", p, err)
	}

	// Tokens the server emitted before honoring the interrupt are acked
	// but never surfaced.
	sc.sendToken(1, "gen-1", 0, "doomed")
	sc.sendToken(2, "gen-1", 1, "tokens")
	sc.sendDone(3, "gen-1", true)

	d := sink.waitDone(t)
	if !d.interrupted || d.messageID != "gen-1" {
		t.Fatalf("expected interrupted done, got %+v", d)
	}
	if got := sink.allTokens(); len(got) != 0 {
		t.Fatalf("pre-token interrupt leaked tokens: %+v", got)
	}
	if c.LastAck() != 3 {
		t.Fatalf("suppressed frames must still be acked, lastAck=%d", c.LastAck())
	}

	// The consumed interrupt must not leak onto the following turn.
	sc.sendToken(4, "gen-2", 0, "fresh")
	tk := sink.waitToken(t)
	if tk.messageID != "gen-2" || tk.text != "fresh" {
		t.Fatalf("next generation suppressed: %+v", tk)
	}
}

func TestSeqGap_ForcesResyncViaResume(t *testing.T) {
	t.Parallel()

	url, conns := newWSServer(t)
	_, sink := startClient(t, url)
	sc1 := acceptConn(t, conns)

	sc1.sendToken(1, "m1", 0, "a")
	sink.waitToken(t)

	// Gap: seq 5 after 1. The client must not surface it and must
	// reconnect asking for a replay from its last ack.
	sc1.sendToken(5, "m1", 4, "ghost")

	sc2 := acceptConn(t, conns)
	if sc2.resumeFrom != 1 {
		t.Fatalf("expected resume_from=1 after desync, got %d", sc2.resumeFrom)
	}
	sc2.sendToken(2, "m1", 1, "b")
	tk := sink.waitToken(t)
	if tk.index != 1 {
		t.Fatalf("expected token 1 after resync, got %+v", tk)
	}
	for _, got := range sink.allTokens() {
		if got.text == "ghost" {
			t.Fatalf("gapped frame must never be surfaced")
		}
	}
}

func TestClose_IdempotentAndStopsRun(t *testing.T) {
	t.Parallel()

	url, conns := newWSServer(t)
	sink := newTestSink()
	c, err := NewClient(Options{URL: url, SaveID: testSaveID, DeviceID: testDeviceID, Sink: sink})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(context.Background()) }()
	acceptConn(t, conns)

	c.Close()
	c.Close()

	select {
	case err := <-runErr:
		if err != ErrClosed {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatalf("Run did not return after Close")
	}
	if c.State() != StateDisconnected {
		t.Fatalf("expected DISCONNECTED after Close, got %s", c.State())
	}

	if _, err := c.Send("x"); err != ErrClosed {
		t.Fatalf("Send after Close: got %v", err)
	}
}

func TestDedupWindow_BoundedRetention(t *testing.T) {
	t.Parallel()

	d := newTokenDedup(2)
	if d.Seen("m1", 0) {
		t.Fatalf("first delivery reported as seen")
	}
	if !d.Seen("m1", 0) {
		t.Fatalf("duplicate not detected")
	}
	d.Seen("m2", 0)
	d.Seen("m3", 0) // evicts m1
	if d.Seen("m1", 0) {
		t.Fatalf("evicted message must be forgotten")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
