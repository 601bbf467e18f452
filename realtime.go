package nimbus

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Transport
// ============================================================================

// Transport is one live bidirectional channel to the chat server. Two
// interchangeable backends exist (WebSocket and SSE-plus-POST); the rest
// of the SDK only ever sees this interface, never the concrete backend.
//
// Bind must be called before Open. A Transport delivers every inbound
// frame to onFrame and calls onClosed exactly once per Open when the
// channel dies for any reason other than an explicit Close.
type Transport interface {
	Bind(onFrame func(data []byte), onClosed func(err error))
	Open(ctx context.Context, identity Identity) error
	Send(ctx context.Context, v any) error
	Close() error
}

// ----------------------------------------------------------------------------
// WebSocket backend
// ----------------------------------------------------------------------------

// WSTransport is the WebSocket backend. The channel is keyed by user id:
// ws(s)://host/ws/{id}.
type WSTransport struct {
	baseURL  string
	onFrame  func([]byte)
	onClosed func(error)

	mu       sync.Mutex
	conn     *websocket.Conn
	cancelFn context.CancelFunc
	closed   bool
}

// NewWSTransport creates a WebSocket transport for the given server base
// URL (http/https; the scheme is rewritten to ws/wss).
func NewWSTransport(baseURL string) *WSTransport {
	return &WSTransport{baseURL: strings.TrimRight(baseURL, "/")}
}

func (t *WSTransport) Bind(onFrame func([]byte), onClosed func(error)) {
	t.onFrame = onFrame
	t.onClosed = onClosed
}

func (t *WSTransport) Open(ctx context.Context, identity Identity) error {
	wsURL := strings.Replace(t.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = fmt.Sprintf("%s/ws/%d", wsURL, identity.ID)

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.conn = conn
	t.cancelFn = cancel
	t.closed = false
	t.mu.Unlock()

	go t.readLoop(readCtx, conn)
	return nil
}

func (t *WSTransport) Send(ctx context.Context, v any) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (t *WSTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	if t.cancelFn != nil {
		t.cancelFn()
		t.cancelFn = nil
	}
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client close")
	}
	return nil
}

func (t *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.mu.Lock()
			intentional := t.closed
			t.conn = nil
			t.mu.Unlock()
			if !intentional && t.onClosed != nil {
				t.onClosed(err)
			}
			return
		}
		if t.onFrame != nil {
			t.onFrame(data)
		}
	}
}

// ----------------------------------------------------------------------------
// SSE backend
// ----------------------------------------------------------------------------

// SSETransport is the server-push backend: inbound frames arrive on an
// event stream at /events/{id}, outbound frames go over plain POSTs to
// /send/{id}. It exists for deployments where the WebSocket listener is
// unavailable; callers cannot tell the two backends apart.
type SSETransport struct {
	baseURL    string
	httpClient *http.Client
	onFrame    func([]byte)
	onClosed   func(error)

	mu       sync.Mutex
	cancelFn context.CancelFunc
	closed   bool
	open     bool
	sendURL  string
}

// sseMaxLineSize bounds one "data:" line on the event stream. The
// scanner's 64KB default would silently end the stream on a large frame
// and trigger a needless reconnect cycle.
const sseMaxLineSize = 1 << 20

// NewSSETransport creates an SSE transport for the given server base URL.
func NewSSETransport(baseURL string, httpClient *http.Client) *SSETransport {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &SSETransport{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

func (t *SSETransport) Bind(onFrame func([]byte), onClosed func(error)) {
	t.onFrame = onFrame
	t.onClosed = onClosed
}

func (t *SSETransport) Open(ctx context.Context, identity Identity) error {
	streamURL := fmt.Sprintf("%s/events/%d", t.baseURL, identity.ID)

	readCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(readCtx, http.MethodGet, streamURL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("event stream connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("event stream HTTP %d", resp.StatusCode)
	}

	t.mu.Lock()
	t.cancelFn = cancel
	t.closed = false
	t.open = true
	t.sendURL = fmt.Sprintf("%s/send/%d", t.baseURL, identity.ID)
	t.mu.Unlock()

	go t.readLoop(resp)
	return nil
}

func (t *SSETransport) Send(ctx context.Context, v any) error {
	t.mu.Lock()
	open := t.open
	url := t.sendURL
	t.mu.Unlock()
	if !open {
		return ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(data)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("send: HTTP %d", resp.StatusCode)
	}
	return nil
}

func (t *SSETransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.open = false
	if t.cancelFn != nil {
		t.cancelFn()
		t.cancelFn = nil
	}
	t.mu.Unlock()
	return nil
}

func (t *SSETransport) readLoop(resp *http.Response) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), sseMaxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}
		if strings.HasPrefix(line, "data: ") {
			if t.onFrame != nil {
				t.onFrame([]byte(strings.TrimPrefix(line, "data: ")))
			}
		}
	}

	t.mu.Lock()
	intentional := t.closed
	t.open = false
	t.mu.Unlock()
	if !intentional && t.onClosed != nil {
		t.onClosed(fmt.Errorf("event stream ended"))
	}
}

// ============================================================================
// Reconnector
// ============================================================================

// reconnector tracks the backoff schedule: base delay doubling per
// attempt, capped, with a bounded attempt budget. The sequence for the
// defaults (base 1s, cap 10s) is 2s, 4s, 8s, 10s, 10s.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

// next returns the delay before the upcoming attempt, or false once the
// budget is spent. Exhaustion resets the counter so a later manual Open
// starts fresh.
func (r *reconnector) next() (time.Duration, bool) {
	if r.attempt >= r.maxAttempts {
		r.attempt = 0
		return 0, false
	}
	r.attempt++
	delay := r.baseDelay << uint(r.attempt)
	if delay > r.maxDelay {
		delay = r.maxDelay
	}
	return delay, true
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// Connection Manager
// ============================================================================

// ConnState is the connection lifecycle state.
type ConnState string

const (
	StateClosed     ConnState = "closed"
	StateConnecting ConnState = "connecting"
	StateOpen       ConnState = "open"
)

// ConnManager owns the one live channel for a session identity. It is the
// only component that sends on or closes the transport. Reconnection is
// automatic with exponential backoff until the attempt budget is spent or
// the manager is torn down.
type ConnManager struct {
	transport Transport
	recon     *reconnector
	log       *zap.Logger

	onFrame func([]byte)
	onState func(ConnState)
	onError func(error)

	mu       sync.Mutex
	identity Identity
	state    ConnState
	torndown bool
	timer    *time.Timer
}

func newConnManager(t Transport, recon *reconnector, log *zap.Logger) *ConnManager {
	m := &ConnManager{
		transport: t,
		recon:     recon,
		log:       log,
		state:     StateClosed,
	}
	t.Bind(m.handleFrame, m.handleClosed)
	return m
}

// State returns the current lifecycle state.
func (m *ConnManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Open establishes the channel for the given identity. A zero identity is
// a silent no-op. A dial failure counts as a dropped connection and feeds
// the reconnect schedule.
func (m *ConnManager) Open(ctx context.Context, identity Identity) error {
	if !identity.Valid() {
		return nil
	}

	m.mu.Lock()
	if m.state != StateClosed {
		m.mu.Unlock()
		return nil
	}
	m.identity = identity
	m.torndown = false
	m.state = StateConnecting
	m.mu.Unlock()
	m.emitState(StateConnecting)

	if err := m.transport.Open(ctx, identity); err != nil {
		m.log.Warn("open failed", zap.Error(err))
		m.mu.Lock()
		m.state = StateClosed
		m.mu.Unlock()
		m.emitState(StateClosed)
		m.scheduleReconnect()
		return err
	}

	m.mu.Lock()
	m.state = StateOpen
	m.recon.reset()
	m.mu.Unlock()
	m.emitState(StateOpen)
	return nil
}

// Send transmits one structured frame. If the channel is not open the
// frame is dropped and ErrNotConnected is returned; it is never queued
// or retried here.
func (m *ConnManager) Send(ctx context.Context, v any) error {
	m.mu.Lock()
	open := m.state == StateOpen
	m.mu.Unlock()
	if !open {
		return ErrNotConnected
	}
	return m.transport.Send(ctx, v)
}

// Close tears the channel down and cancels any pending reconnect timer.
// It is idempotent.
func (m *ConnManager) Close() {
	m.mu.Lock()
	if m.torndown {
		m.mu.Unlock()
		return
	}
	m.torndown = true
	m.state = StateClosed
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()

	m.transport.Close()
	m.emitState(StateClosed)
}

func (m *ConnManager) handleFrame(data []byte) {
	if m.onFrame != nil {
		m.onFrame(data)
	}
}

func (m *ConnManager) handleClosed(err error) {
	m.mu.Lock()
	if m.torndown {
		m.mu.Unlock()
		return
	}
	m.state = StateClosed
	m.mu.Unlock()

	m.log.Info("connection dropped", zap.Error(err))
	m.emitState(StateClosed)
	m.scheduleReconnect()
}

func (m *ConnManager) scheduleReconnect() {
	m.mu.Lock()
	if m.torndown {
		m.mu.Unlock()
		return
	}
	delay, ok := m.recon.next()
	if !ok {
		m.mu.Unlock()
		m.log.Warn("reconnect attempts exhausted")
		m.emitError(ErrReconnectFailed)
		return
	}
	attempt := m.recon.attempt
	m.timer = time.AfterFunc(delay, m.reconnect)
	m.mu.Unlock()

	m.log.Info("reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))
}

func (m *ConnManager) reconnect() {
	m.mu.Lock()
	if m.torndown || m.state != StateClosed {
		m.mu.Unlock()
		return
	}
	identity := m.identity
	m.state = StateConnecting
	m.timer = nil
	m.mu.Unlock()
	m.emitState(StateConnecting)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.transport.Open(ctx, identity); err != nil {
		m.log.Warn("reconnect failed", zap.Error(err))
		m.mu.Lock()
		m.state = StateClosed
		m.mu.Unlock()
		m.emitState(StateClosed)
		m.scheduleReconnect()
		return
	}

	m.mu.Lock()
	m.state = StateOpen
	m.recon.reset()
	m.mu.Unlock()
	m.emitState(StateOpen)
}

func (m *ConnManager) emitState(s ConnState) {
	if m.onState != nil {
		m.onState(s)
	}
}

func (m *ConnManager) emitError(err error) {
	if m.onError != nil {
		m.onError(err)
	}
}
