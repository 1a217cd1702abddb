package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type ConnState string

const (
	StateDisconnected ConnState = "DISCONNECTED"
	StateConnecting   ConnState = "CONNECTING"
	StateConnected    ConnState = "CONNECTED"
	StateReconnecting ConnState = "RECONNECTING"
)

var (
	// ErrDesync means the server delivered a seq that is not contiguous
	// with what the client has acknowledged. Recovery is a full
	// reconnect-with-resume, never a silent skip.
	ErrDesync = errors.New("protocol: seq desync")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("protocol: client closed")
)

// Sink receives everything the client surfaces to the UI layer. Callbacks
// run on the client's read goroutine and must not block.
type Sink interface {
	OnState(state ConnState)
	OnToken(messageID string, tokenIndex int, text string)
	OnDone(messageID string, interrupted bool)
	// OnEvent delivers non-chat server events (SUGGESTION, JOB_STATUS,
	// TIMELINE_EVENT, ROOM_EVENT).
	OnEvent(frame *Frame)
}

// AckStore persists the delivery cursor and processed frames so resumption
// survives process restarts. Record must be idempotent per (saveID, seq).
type AckStore interface {
	LastAck(saveID string) (seq int64, cursor string, err error)
	Record(saveID string, f *Frame) error
}

// memoryAckStore is the fallback when no durable store is wired.
type memoryAckStore struct {
	mu     sync.Mutex
	ack    map[string]int64
	cursor map[string]string
}

func newMemoryAckStore() *memoryAckStore {
	return &memoryAckStore{ack: make(map[string]int64), cursor: make(map[string]string)}
}

func (m *memoryAckStore) LastAck(saveID string) (int64, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ack[saveID], m.cursor[saveID], nil
}

func (m *memoryAckStore) Record(saveID string, f *Frame) error {
	if f == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.Seq > m.ack[saveID] {
		m.ack[saveID] = f.Seq
		if strings.TrimSpace(f.Cursor) != "" {
			m.cursor[saveID] = f.Cursor
		}
	}
	return nil
}

const (
	defaultHeartbeat   = 15 * time.Second
	defaultDedupWindow = 64
	handshakeTimeout   = 10 * time.Second
	maxBackoff         = 10 * time.Second
)

type Options struct {
	Logger *slog.Logger

	// URL is the websocket endpoint.
	URL      string
	SaveID   string
	DeviceID string

	Sink  Sink
	Store AckStore // nil: in-memory only

	Dialer            *websocket.Dialer
	HeartbeatInterval time.Duration
	DedupWindow       int
}

// Client owns the persistent channel for one saveID. Two clients for
// different saves are fully independent.
type Client struct {
	log      *slog.Logger
	url      string
	saveID   string
	deviceID string
	sink     Sink
	store    AckStore
	dialer   *websocket.Dialer
	hbEvery  time.Duration

	mu      sync.Mutex
	state   ConnState
	lastAck int64
	cursor  string
	dedup   *tokenDedup

	// activeGen is the message_id of the generation currently streaming;
	// interrupted holds generations we asked the server to cancel and for
	// which CHAT_DONE has not arrived yet. interruptNext covers an
	// interrupt issued before the first token arrived, when no message_id
	// is known yet: it suppresses the next generation to appear.
	activeGen     string
	interrupted   map[string]bool
	interruptNext bool

	// pending are unconfirmed idempotent sends, keyed by
	// client_request_id. A retry after reconnect reuses the stored frame
	// verbatim; a new id is never minted for a retry.
	pending map[string]*Frame

	conn    *websocket.Conn
	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}

	lastPong time.Time
}

func NewClient(opts Options) (*Client, error) {
	u := strings.TrimSpace(opts.URL)
	if u == "" {
		return nil, errors.New("protocol: missing URL")
	}
	saveID := strings.TrimSpace(opts.SaveID)
	if saveID == "" {
		return nil, errors.New("protocol: missing save_id")
	}
	deviceID := strings.TrimSpace(opts.DeviceID)
	if deviceID == "" {
		return nil, errors.New("protocol: missing device_id")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := opts.Store
	if store == nil {
		store = newMemoryAckStore()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	hb := opts.HeartbeatInterval
	if hb <= 0 {
		hb = defaultHeartbeat
	}

	lastAck, cursor, err := store.LastAck(saveID)
	if err != nil {
		return nil, fmt.Errorf("protocol: load ack cursor: %w", err)
	}

	return &Client{
		log:         logger.With("save_id", saveID),
		url:         u,
		saveID:      saveID,
		deviceID:    deviceID,
		sink:        opts.Sink,
		store:       store,
		dialer:      dialer,
		hbEvery:     hb,
		state:       StateDisconnected,
		lastAck:     lastAck,
		cursor:      cursor,
		dedup:       newTokenDedup(opts.DedupWindow),
		interrupted: make(map[string]bool),
		pending:     make(map[string]*Frame),
		closed:      make(chan struct{}),
	}, nil
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastAck returns the highest durably processed seq.
func (c *Client) LastAck() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAck
}

// Run drives the connection until ctx is done or Close is called,
// reconnecting with resume after transient failures.
func (c *Client) Run(ctx context.Context) error {
	first := true
	backoff := newBackoff()
	for {
		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return ctx.Err()
		case <-c.closed:
			c.setState(StateDisconnected)
			return ErrClosed
		default:
		}

		if first {
			c.setState(StateConnecting)
		} else {
			c.setState(StateReconnecting)
		}

		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}
		select {
		case <-c.closed:
			c.setState(StateDisconnected)
			return ErrClosed
		default:
		}

		if errors.Is(err, ErrDesync) {
			c.log.Warn("protocol desync; resyncing via resume", "last_ack", c.LastAck())
		} else {
			c.log.Warn("session disconnected; retrying", "error", err)
		}
		first = false

		timer := time.NewTimer(backoff.Next())
		select {
		case <-ctx.Done():
			timer.Stop()
			c.setState(StateDisconnected)
			return ctx.Err()
		case <-c.closed:
			timer.Stop()
			c.setState(StateDisconnected)
			return ErrClosed
		case <-timer.C:
		}
	}
}

// Close tears the client down. Safe to call at any state, any number of
// times.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
}

// Send submits a user chat message. The returned client_request_id is
// minted exactly once; if the connection drops before the server confirms,
// the same frame (same id) is resubmitted after reconnect, so the server can
// deduplicate.
func (c *Client) Send(text string) (string, error) {
	if c == nil {
		return "", errors.New("protocol: nil client")
	}
	select {
	case <-c.closed:
		return "", ErrClosed
	default:
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("protocol: empty message")
	}

	crid := uuid.NewString()
	f := &Frame{
		ProtocolVersion: ProtocolVersion,
		Type:            TypeChatSend,
		ClientRequestID: crid,
		DeviceID:        c.deviceID,
		SaveID:          c.saveID,
		TS:              time.Now().UnixMilli(),
		Payload:         marshalPayload(ChatSendPayload{Text: text}),
	}

	c.mu.Lock()
	c.pending[crid] = f
	c.mu.Unlock()

	// Best-effort immediate write; a failure here just leaves the frame
	// pending for the post-reconnect resend.
	if err := c.writeFrame(f); err != nil {
		c.log.Debug("send deferred until reconnect", "client_request_id", crid, "error", err)
	}
	return crid, nil
}

// Interrupt cooperatively cancels the generation currently streaming, or the
// next one to start when called before its first token arrived. After it is
// called, further CHAT_TOKEN frames for that generation are not surfaced as
// live output; the turn closes only when the server sends
// CHAT_DONE{interrupted:true}. Idempotent and safe in any state.
func (c *Client) Interrupt() error {
	if c == nil {
		return errors.New("protocol: nil client")
	}

	c.mu.Lock()
	gen := c.activeGen
	switch {
	case gen == "":
		// No token has arrived yet, so no message_id is known. Mark the
		// next generation for suppression and send a wire interrupt with
		// no message id, which targets the in-flight turn for this save.
		if c.interruptNext {
			c.mu.Unlock()
			return nil
		}
		c.interruptNext = true
	case c.interrupted[gen]:
		c.mu.Unlock()
		return nil
	default:
		c.interrupted[gen] = true
	}
	c.mu.Unlock()

	f := &Frame{
		ProtocolVersion: ProtocolVersion,
		Type:            TypeInterrupt,
		DeviceID:        c.deviceID,
		SaveID:          c.saveID,
		TS:              time.Now().UnixMilli(),
		Payload:         marshalPayload(InterruptPayload{MessageID: gen}),
	}
	if err := c.writeFrame(f); err != nil {
		// Local suppression already applies; the wire frame is best-effort
		// since in-flight tokens may be on the wire regardless.
		c.log.Debug("interrupt not sent", "message_id", gen, "error", err)
	}
	return nil
}

// --- connection lifecycle ---

func (c *Client) runOnce(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}

	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()

	c.mu.Lock()
	resumeFrom := c.lastAck
	c.mu.Unlock()

	if err := c.handshake(conn, resumeFrom); err != nil {
		return err
	}

	// Publish the connection only after the handshake: Send must never be
	// able to put a frame on the wire ahead of HELLO.
	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return ErrClosed
	default:
	}
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateConnected)
	c.log.Info("session connected", "resume_from", resumeFrom)

	// Resubmit unconfirmed sends with their original client_request_id.
	c.mu.Lock()
	resend := make([]*Frame, 0, len(c.pending))
	for _, f := range c.pending {
		resend = append(resend, f)
	}
	c.mu.Unlock()
	for _, f := range resend {
		if err := c.writeFrame(f); err != nil {
			return err
		}
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	hbDone := make(chan error, 1)
	go func() { hbDone <- c.heartbeat(hbCtx, conn) }()

	readErr := c.readLoop(conn)
	hbCancel()
	<-hbDone
	return readErr
}

func (c *Client) handshake(conn *websocket.Conn, resumeFrom int64) error {
	hello := &Frame{
		ProtocolVersion: ProtocolVersion,
		Type:            TypeHello,
		DeviceID:        c.deviceID,
		SaveID:          c.saveID,
		TS:              time.Now().UnixMilli(),
		ResumeFrom:      resumeFrom,
		Payload:         marshalPayload(HelloPayload{Client: "plume-desktop"}),
	}
	if err := c.writeFrameTo(conn, hello); err != nil {
		return err
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var reply Frame
	if err := conn.ReadJSON(&reply); err != nil {
		return fmt.Errorf("protocol: handshake read: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	if err := reply.validate(); err != nil {
		return err
	}
	if reply.Type != TypeHello {
		return fmt.Errorf("protocol: expected HELLO, got %s", reply.Type)
	}
	if reply.SaveID != c.saveID {
		return fmt.Errorf("protocol: HELLO for wrong save_id %q", reply.SaveID)
	}

	c.mu.Lock()
	c.lastPong = time.Now()
	c.mu.Unlock()
	return nil
}

func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn) error {
	t := time.NewTicker(c.hbEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			c.mu.Lock()
			overdue := time.Since(c.lastPong) > 2*c.hbEvery+c.hbEvery/2
			c.mu.Unlock()
			if overdue {
				// Force the read loop out; Run reconnects with resume.
				_ = conn.Close()
				return errors.New("protocol: pong overdue")
			}
			ping := &Frame{
				ProtocolVersion: ProtocolVersion,
				Type:            TypePing,
				DeviceID:        c.deviceID,
				SaveID:          c.saveID,
				TS:              time.Now().UnixMilli(),
			}
			if err := c.writeFrameTo(conn, ping); err != nil {
				return err
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		if err := c.handleFrame(conn, &f); err != nil {
			return err
		}
	}
}

func (c *Client) handleFrame(conn *websocket.Conn, f *Frame) error {
	if err := f.validate(); err != nil {
		c.log.Warn("dropping invalid frame", "error", err)
		return nil
	}
	if f.SaveID != c.saveID {
		c.log.Warn("dropping frame for wrong save", "frame_save_id", f.SaveID)
		return nil
	}

	switch f.Type {
	case TypePong:
		c.mu.Lock()
		c.lastPong = time.Now()
		c.mu.Unlock()
		return nil
	case TypePing:
		pong := &Frame{
			ProtocolVersion: ProtocolVersion,
			Type:            TypePong,
			DeviceID:        c.deviceID,
			SaveID:          c.saveID,
			TS:              time.Now().UnixMilli(),
		}
		return c.writeFrameTo(conn, pong)
	case TypeHello:
		// Redundant HELLO after handshake; harmless.
		return nil
	case TypeAck:
		var p AckPayload
		if f.Payload != nil {
			_ = unmarshalStrictish(f.Payload, &p)
		}
		if strings.TrimSpace(p.ClientRequestID) != "" {
			c.mu.Lock()
			delete(c.pending, p.ClientRequestID)
			c.mu.Unlock()
		}
		return nil
	}

	// Everything else is a sequenced server event.
	return c.handleSequenced(conn, f)
}

func (c *Client) handleSequenced(conn *websocket.Conn, f *Frame) error {
	if f.Seq <= 0 {
		c.log.Warn("dropping unsequenced server event", "type", f.Type)
		return nil
	}

	c.mu.Lock()
	lastAck := c.lastAck
	c.mu.Unlock()

	if f.Seq <= lastAck {
		// Replay overlap after resume: already durably processed. Re-ack
		// so the server can advance, but never re-surface.
		if f.AckRequired {
			return c.ackTo(conn, lastAck)
		}
		return nil
	}
	if f.Seq != lastAck+1 {
		// A gap is never skipped; force a resync via resume.
		c.log.Warn("seq gap detected", "expected", lastAck+1, "got", f.Seq)
		return ErrDesync
	}

	c.dispatch(f)

	if err := c.store.Record(c.saveID, f); err != nil {
		return fmt.Errorf("protocol: record frame: %w", err)
	}

	c.mu.Lock()
	c.lastAck = f.Seq
	if strings.TrimSpace(f.Cursor) != "" {
		c.cursor = f.Cursor
	}
	ackNow := f.AckRequired
	upTo := c.lastAck
	c.mu.Unlock()

	if ackNow {
		return c.ackTo(conn, upTo)
	}
	return nil
}

// dispatch surfaces one newly delivered frame to the sink, applying token
// dedup and interrupt suppression.
func (c *Client) dispatch(f *Frame) {
	switch f.Type {
	case TypeChatToken:
		var p ChatTokenPayload
		if err := unmarshalStrictish(f.Payload, &p); err != nil {
			c.log.Warn("bad CHAT_TOKEN payload", "error", err)
			return
		}

		c.mu.Lock()
		if c.activeGen != p.MessageID {
			c.activeGen = p.MessageID
			if c.interruptNext {
				c.interrupted[p.MessageID] = true
				c.interruptNext = false
			}
		}
		suppressed := c.interrupted[p.MessageID] || c.dedup.Seen(p.MessageID, p.TokenIndex)
		c.mu.Unlock()

		if suppressed || c.sink == nil {
			return
		}
		c.sink.OnToken(p.MessageID, p.TokenIndex, p.Text)

	case TypeChatDone:
		var p ChatDonePayload
		if err := unmarshalStrictish(f.Payload, &p); err != nil {
			c.log.Warn("bad CHAT_DONE payload", "error", err)
			return
		}

		c.mu.Lock()
		delete(c.interrupted, p.MessageID)
		if c.activeGen == p.MessageID {
			c.activeGen = ""
		}
		// A turn that closed consumes any pre-token interrupt; it must not
		// leak onto the following turn.
		c.interruptNext = false
		c.mu.Unlock()

		if c.sink != nil {
			c.sink.OnDone(p.MessageID, p.Interrupted)
		}

	case TypeSuggestion, TypeJobStatus, TypeTimelineEvent, TypeRoomEvent:
		if c.sink != nil {
			c.sink.OnEvent(f)
		}

	default:
		c.log.Warn("unknown sequenced frame type", "type", f.Type)
	}
}

func (c *Client) ackTo(conn *websocket.Conn, upTo int64) error {
	ack := &Frame{
		ProtocolVersion: ProtocolVersion,
		Type:            TypeAck,
		DeviceID:        c.deviceID,
		SaveID:          c.saveID,
		TS:              time.Now().UnixMilli(),
		Payload:         marshalPayload(AckPayload{UpTo: upTo}),
	}
	return c.writeFrameTo(conn, ack)
}

func (c *Client) writeFrame(f *Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("protocol: not connected")
	}
	return c.writeFrameTo(conn, f)
}

// writeFrameTo serializes concurrent writers: gorilla connections support
// one writer at a time.
func (c *Client) writeFrameTo(conn *websocket.Conn, f *Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(f)
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed && c.sink != nil {
		c.sink.OnState(s)
	}
}

// --- helpers ---

type backoff struct {
	attempt int
}

func newBackoff() *backoff { return &backoff{} }

func (b *backoff) Next() time.Duration {
	// 250ms, 450ms, 810ms, ... capped at maxBackoff.
	if b.attempt < 0 {
		b.attempt = 0
	}
	d := 250 * time.Millisecond
	for i := 0; i < b.attempt; i++ {
		d = d * 9 / 5
		if d >= maxBackoff {
			d = maxBackoff
			break
		}
	}
	b.attempt++
	return d
}
