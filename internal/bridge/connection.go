// ABOUTME: Owns one tool-server subprocess and the JSON-RPC conversation over its stdio.
// ABOUTME: Correlates requests to responses, health-checks the worker, reconnects with backoff.

package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// killGracePeriod is how long a worker gets to exit after SIGTERM before it
// is force-killed.
const killGracePeriod = 5 * time.Second

// maxLineBytes bounds a single protocol line; tool results can be large.
const maxLineBytes = 4 << 20

// streamBufferSize is the channel capacity for partial-result chunks.
const streamBufferSize = 16

// State identifies the lifecycle phase of a Connection. A connection is in
// exactly one state at a time; transitions are serialized under its mutex.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
	StateReconnecting State = "reconnecting"
)

// ServerDescriptor describes how to launch and supervise one tool server.
// Immutable once loaded from configuration.
type ServerDescriptor struct {
	Name                string
	Command             string
	Args                []string
	Env                 map[string]string
	WorkingDir          string
	AutoRestart         bool
	MaxRetries          int
	RetryDelay          time.Duration
	HealthCheckInterval time.Duration
	Timeout             time.Duration
}

// Status is a point-in-time snapshot of a Connection for health reporting.
// Producing one never blocks on I/O.
type Status struct {
	State       State      `json:"state"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	RetryCount  int        `json:"retry_count"`
	LastError   string     `json:"last_error,omitempty"`
}

// NotificationHandler receives the params of a worker notification.
type NotificationHandler func(params map[string]any)

// callResult is what a pending request ultimately receives: a response
// message or a local failure (timeout, teardown, write error).
type callResult struct {
	msg *Message
	err error
}

// pendingCall is one in-flight request. done is buffered so the resolver
// never blocks; stream is non-nil only for streaming calls.
type pendingCall struct {
	done   chan callResult
	stream chan json.RawMessage
}

// Connection owns one worker subprocess and the protocol conversation with
// it. All state and the pending-request map are mutated only under mu; writes
// to the worker's stdin are serialized by writeMu.
type Connection struct {
	desc   ServerDescriptor
	logger *slog.Logger

	// launch is swapped for an in-memory fake in tests.
	launch func(ServerDescriptor) (worker, error)

	mu          sync.RWMutex
	state       State
	connectedAt *time.Time
	retryCount  int
	lastErr     error
	proc        worker
	stdin       io.WriteCloser
	cancelLoops context.CancelFunc
	retryTimer  *time.Timer
	pending     map[int64]*pendingCall
	nextID      int64
	handlers    map[string][]NotificationHandler

	writeMu sync.Mutex
}

// NewConnection creates a Connection for the descriptor. It does not launch
// the worker; call Connect.
func NewConnection(desc ServerDescriptor, logger *slog.Logger) *Connection {
	return &Connection{
		desc:     desc,
		logger:   logger.With("server", desc.Name),
		launch:   launchWorker,
		state:    StateDisconnected,
		pending:  make(map[int64]*pendingCall),
		handlers: make(map[string][]NotificationHandler),
	}
}

// Name returns the descriptor's unique server name.
func (c *Connection) Name() string { return c.desc.Name }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Status returns a snapshot for health reporting.
func (c *Connection) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Status{State: c.state, RetryCount: c.retryCount}
	if c.connectedAt != nil {
		t := *c.connectedAt
		s.ConnectedAt = &t
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// OnNotification registers a handler for worker notifications with the given
// method name. Handlers run on the reader goroutine and must not block.
func (c *Connection) OnNotification(method string, handler NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = append(c.handlers[method], handler)
}

// Connect launches the worker, performs the initialize handshake, and starts
// the reader and health-check loops. Already-connected (or in-progress)
// connections are left alone. A failed attempt leaves the connection in the
// error state and, when the descriptor allows, schedules a reconnect.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected, StateConnecting:
		c.mu.Unlock()
		return nil
	}
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	if err := c.connectOnce(ctx); err != nil {
		c.fail(nil, err)
		return err
	}
	return nil
}

// connectOnce performs a single spawn-and-handshake attempt. The caller has
// already moved the state to connecting.
func (c *Connection) connectOnce(ctx context.Context) error {
	proc, err := c.launch(c.desc)
	if err != nil {
		return &TransportError{Op: "spawn", Err: err}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.proc = proc
	c.stdin = proc.Stdin()
	c.cancelLoops = cancel
	c.mu.Unlock()

	// The reader must be running before the handshake so the initialize
	// response can be dispatched.
	go c.readLoop(loopCtx, proc)
	go c.relayStderr(proc.Stderr())
	go c.watchExit(proc)

	params := map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo": map[string]any{
			"name":    "familiar-" + c.desc.Name,
			"version": "1.0.0",
		},
	}
	if _, err := c.request(ctx, methodInitialize, params); err != nil {
		return fmt.Errorf("initialize handshake: %w", err)
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		return fmt.Errorf("connection torn down during handshake")
	}
	now := time.Now()
	c.state = StateConnected
	c.connectedAt = &now
	c.retryCount = 0
	c.lastErr = nil
	c.mu.Unlock()

	go c.healthLoop(loopCtx)

	c.logger.Info("=== TOOL SERVER CONNECTED ===", "command", c.desc.Command)
	return nil
}

// Disconnect cancels the loops, terminates the worker (gracefully, then by
// force), rejects all pending requests, and returns the connection to the
// disconnected state.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateDisconnected
	c.connectedAt = nil
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	cancel := c.cancelLoops
	c.cancelLoops = nil
	proc := c.proc
	stdin := c.stdin
	c.proc = nil
	c.stdin = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if proc != nil {
		terminateWorker(proc, stdin)
	}
	c.rejectPending(ErrClosed)

	c.logger.Info("tool server disconnected")
	return nil
}

// SendRequest issues a correlated request and blocks until the matching
// response arrives, the descriptor's timeout elapses, or ctx is cancelled.
// Concurrent callers each own a distinct id. A timeout discards the pending
// request but leaves the connection (and the worker) untouched.
func (c *Connection) SendRequest(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	if c.State() != StateConnected {
		return nil, &TransportError{Op: "send", Err: ErrNotConnected}
	}
	return c.request(ctx, method, params)
}

// SendRequestStream issues a request whose worker may emit tools/stream
// notifications before the final response. Chunks arrive on the returned
// stream's channel; Wait blocks for the final result.
func (c *Connection) SendRequestStream(ctx context.Context, method string, params map[string]any) (*ToolStream, error) {
	if c.State() != StateConnected {
		return nil, &TransportError{Op: "send", Err: ErrNotConnected}
	}

	id, pc := c.registerCall(true)
	if err := c.writeRequest(id, method, params); err != nil {
		c.removeCall(id)
		return nil, err
	}

	ts := &ToolStream{chunks: pc.stream, done: make(chan struct{})}
	go func() {
		defer close(ts.done)
		timer := time.NewTimer(c.desc.Timeout)
		defer timer.Stop()

		select {
		case res := <-pc.done:
			ts.result, ts.err = resultFromCall(res)
		case <-timer.C:
			c.removeCall(id)
			ts.err = fmt.Errorf("%s: %w", method, ErrTimeout)
		case <-ctx.Done():
			c.removeCall(id)
			ts.err = ctx.Err()
		}
	}()
	return ts, nil
}

// SendNotification writes a fire-and-forget message: no id, no pending
// handle, no reply expected.
func (c *Connection) SendNotification(method string, params map[string]any) error {
	if c.State() != StateConnected {
		return &TransportError{Op: "send", Err: ErrNotConnected}
	}
	return c.writeMessage(&Message{JSONRPC: jsonRPCVersion, Method: method, Params: params})
}

// request is the handshake-capable core of SendRequest; it does not require
// the connected state so initialize can use it while still connecting.
func (c *Connection) request(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	id, pc := c.registerCall(false)
	if err := c.writeRequest(id, method, params); err != nil {
		c.removeCall(id)
		return nil, err
	}

	timer := time.NewTimer(c.desc.Timeout)
	defer timer.Stop()

	select {
	case res := <-pc.done:
		return resultFromCall(res)
	case <-timer.C:
		c.removeCall(id)
		return nil, fmt.Errorf("%s: %w", method, ErrTimeout)
	case <-ctx.Done():
		c.removeCall(id)
		return nil, ctx.Err()
	}
}

// registerCall allocates the next request id and registers the pending
// handle. Ids are assigned in strictly increasing order under the critical
// section; the counter is 63-bit and treated as non-wrapping.
func (c *Connection) registerCall(streaming bool) (int64, *pendingCall) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	pc := &pendingCall{done: make(chan callResult, 1)}
	if streaming {
		pc.stream = make(chan json.RawMessage, streamBufferSize)
	}
	c.pending[c.nextID] = pc
	return c.nextID, pc
}

// removeCall discards a pending request, closing its stream if any. Used by
// the timeout and cancellation paths; a reply arriving afterwards is dropped
// by the reader as unmatched.
func (c *Connection) removeCall(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pc, ok := c.pending[id]; ok {
		delete(c.pending, id)
		if pc.stream != nil {
			close(pc.stream)
		}
	}
}

// rejectPending fails every in-flight request. Called on teardown so no
// pending request outlives its connection.
func (c *Connection) rejectPending(err error) {
	c.mu.Lock()
	calls := c.pending
	c.pending = make(map[int64]*pendingCall)
	for _, pc := range calls {
		if pc.stream != nil {
			close(pc.stream)
		}
	}
	c.mu.Unlock()

	for _, pc := range calls {
		pc.done <- callResult{err: err}
	}
}

func (c *Connection) writeRequest(id int64, method string, params map[string]any) error {
	return c.writeMessage(&Message{JSONRPC: jsonRPCVersion, ID: &id, Method: method, Params: params})
}

// writeMessage serializes one message as a single newline-terminated line on
// the worker's stdin.
func (c *Connection) writeMessage(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	c.mu.RLock()
	w := c.stdin
	c.mu.RUnlock()
	if w == nil {
		return &TransportError{Op: "write", Err: ErrNotConnected}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := w.Write(append(data, '\n')); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// resultFromCall converts a delivered callResult into the caller's result,
// turning a response error object into a ProtocolError.
func resultFromCall(res callResult) (json.RawMessage, error) {
	if res.err != nil {
		return nil, res.err
	}
	if res.msg.Error != nil {
		return nil, &ProtocolError{Code: res.msg.Error.Code, Message: res.msg.Error.Message}
	}
	return res.msg.Result, nil
}

// readLoop parses newline-delimited JSON from the worker's stdout and
// dispatches each message. A line that fails to parse is logged and skipped;
// end-of-stream or a read error while connected triggers the reconnect
// policy.
func (c *Connection) readLoop(ctx context.Context, proc worker) {
	scanner := bufio.NewScanner(proc.Stdout())
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warn("skipping unparseable line from tool server", "error", err)
			continue
		}
		c.dispatch(&msg)
	}

	if ctx.Err() != nil {
		return
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.fail(proc, &TransportError{Op: "read", Err: err})
}

// dispatch routes one parsed message: responses resolve their pending
// request, notifications go to registered handlers.
func (c *Connection) dispatch(msg *Message) {
	switch {
	case msg.IsResponse():
		c.resolve(msg)
	case msg.IsNotification():
		c.dispatchNotification(msg)
	default:
		c.logger.Warn("dropping message with unexpected shape", "method", msg.Method)
	}
}

// resolve delivers a response to the caller whose id it matches. An unmatched
// id (already timed out, or never ours) is logged and dropped.
func (c *Connection) resolve(msg *Message) {
	id := *msg.ID

	c.mu.Lock()
	pc, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		if pc.stream != nil {
			close(pc.stream)
		}
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("dropping response for unknown request id", "id", id)
		return
	}
	pc.done <- callResult{msg: msg}
}

func (c *Connection) dispatchNotification(msg *Message) {
	if msg.Method == methodToolStream && c.routeStreamChunk(msg.Params) {
		return
	}

	c.mu.RLock()
	handlers := make([]NotificationHandler, len(c.handlers[msg.Method]))
	copy(handlers, c.handlers[msg.Method])
	c.mu.RUnlock()

	for _, h := range handlers {
		h(msg.Params)
	}
}

// routeStreamChunk delivers a tools/stream notification to the streaming
// request it belongs to. The send happens under the read lock so the stream
// channel cannot be closed out from under it; a full channel drops the chunk
// rather than stalling the reader.
func (c *Connection) routeStreamChunk(params map[string]any) bool {
	idf, ok := params["requestId"].(float64)
	if !ok {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	pc, ok := c.pending[int64(idf)]
	if !ok || pc.stream == nil {
		return false
	}

	chunk, err := json.Marshal(params["chunk"])
	if err != nil {
		return true
	}
	select {
	case pc.stream <- chunk:
	default:
		c.logger.Warn("stream buffer full, dropping chunk", "id", int64(idf))
	}
	return true
}

// healthLoop pings the worker every health-check interval. A failed ping
// escalates to a full reconnect, which cancels this loop and the reader
// before relaunching them.
func (c *Connection) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(c.desc.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.request(ctx, methodPing, nil); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("health check failed", "error", err)
				c.mu.RLock()
				proc := c.proc
				c.mu.RUnlock()
				c.fail(proc, fmt.Errorf("health check: %w", err))
				return
			}
		}
	}
}

// relayStderr forwards the worker's stderr lines into the log. Returns when
// the pipe closes with the worker.
func (c *Connection) relayStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		c.logger.Debug("tool server stderr", "line", scanner.Text())
	}
}

// watchExit reaps the worker and treats an exit the connection did not
// initiate as a transport failure.
func (c *Connection) watchExit(proc worker) {
	err := proc.Wait()
	c.fail(proc, &TransportError{Op: "exit", Err: err})
}

// fail moves a live connection into the error state: cancels the loops,
// makes sure the worker is dead, rejects all pending requests, and hands off
// to the reconnect policy. Stale callers (an old worker's exit, a reader
// whose connection was already torn down) are ignored, so the several
// failure detectors racing on the same broken worker collapse into one
// transition.
func (c *Connection) fail(proc worker, err error) {
	c.mu.Lock()
	if proc != nil && c.proc != proc {
		c.mu.Unlock()
		return
	}
	if c.state != StateConnected && c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateError
	c.connectedAt = nil
	c.lastErr = err
	cancel := c.cancelLoops
	c.cancelLoops = nil
	cur := c.proc
	stdin := c.stdin
	c.proc = nil
	c.stdin = nil
	c.mu.Unlock()

	c.logger.Error("tool server connection lost", "error", err)
	if cancel != nil {
		cancel()
	}
	if cur != nil {
		terminateWorker(cur, stdin)
	}
	c.rejectPending(ErrClosed)
	c.scheduleReconnect()
}

// scheduleReconnect arms the retry timer when the descriptor allows another
// attempt: delay = retryDelay * 2^(retryCount-1), retryCount incremented
// first. Exhausted retries leave the connection in the error state until it
// is manually reconnected.
func (c *Connection) scheduleReconnect() {
	c.mu.Lock()
	if c.state != StateError {
		c.mu.Unlock()
		return
	}
	if !c.desc.AutoRestart || c.retryCount >= c.desc.MaxRetries {
		if c.desc.AutoRestart {
			c.lastErr = fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, c.retryCount, c.lastErr)
		}
		c.mu.Unlock()
		if c.desc.AutoRestart {
			c.logger.Error("reconnect retries exhausted, manual reconnect required", "retries", c.desc.MaxRetries)
		}
		return
	}

	c.retryCount++
	attempt := c.retryCount
	delay := backoffDelay(c.desc.RetryDelay, attempt)
	c.state = StateReconnecting
	c.retryTimer = time.AfterFunc(delay, c.retryNow)
	c.mu.Unlock()

	c.logger.Info("reconnect scheduled", "attempt", attempt, "max_retries", c.desc.MaxRetries, "delay", delay)
}

// retryNow is the timer callback driving the reconnect state machine.
func (c *Connection) retryNow() {
	c.mu.Lock()
	if c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.retryTimer = nil
	c.mu.Unlock()

	if err := c.connectOnce(context.Background()); err != nil {
		c.fail(nil, err)
	}
}

// backoffDelay computes base * 2^(attempt-1), attempt >= 1.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt > 16 {
		attempt = 16
	}
	return base * time.Duration(1<<uint(attempt-1))
}

// terminateWorker closes the worker's stdin so well-behaved workers exit on
// EOF, asks politely, then force-kills after the grace period.
func terminateWorker(proc worker, stdin io.WriteCloser) {
	if stdin != nil {
		_ = stdin.Close()
	}
	_ = proc.Terminate()

	done := make(chan struct{})
	go func() {
		_ = proc.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(killGracePeriod):
		_ = proc.Kill()
		<-done
	}
}

// ToolStream is the handle for a streaming call: partial-result chunks on
// Chunks, the final result from Wait.
type ToolStream struct {
	chunks chan json.RawMessage
	done   chan struct{}
	result json.RawMessage
	err    error
}

// Chunks returns the channel of partial-result chunks. It is closed when the
// final response arrives or the call is discarded.
func (s *ToolStream) Chunks() <-chan json.RawMessage { return s.chunks }

// Wait blocks until the final response and returns it.
func (s *ToolStream) Wait() (json.RawMessage, error) {
	<-s.done
	return s.result, s.err
}
