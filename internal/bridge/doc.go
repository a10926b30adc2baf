// Package bridge supervises tool-server subprocesses and speaks their protocol.
//
// # Overview
//
// The bridge package owns the lifecycle of tool servers: spawning them as
// subprocesses, exchanging line-delimited JSON-RPC over their stdio, keeping
// them healthy, and bringing them back when they die.
//
// # Registry
//
// The Registry tracks all configured tool servers:
//
//	reg := bridge.NewRegistry(logger)
//	reg.Initialize(ctx, descriptors)
//
// Key operations:
//
//   - CallTool(ctx, server, tool, args): Invoke a tool and wait for its result
//   - CallToolStream(ctx, server, tool, args): Same, with partial results
//   - ListTools(ctx, server): Ask a server what it exposes
//   - Status(): Snapshot every connection's state
//   - Shutdown(): Disconnect everything concurrently
//
// # Connection
//
// Connection represents a single supervised worker subprocess:
//
//	type Connection struct {
//	    desc    ServerDescriptor
//	    state   State
//	    pending map[int64]*pendingCall
//	    nextID  int64
//	}
//
// Key operations:
//
//   - Connect(ctx): Spawn the worker and run the initialize handshake
//   - SendRequest(ctx, method, params): Correlated request/response
//   - SendNotification(method, params): Fire-and-forget
//   - OnNotification(method, handler): Subscribe to worker notifications
//   - Disconnect(): Graceful teardown
//
// # Wire Protocol
//
// One JSON object per line over the worker's stdin/stdout, JSON-RPC 2.0
// framing. A message with an id and no method is a response; a method and no
// id is a notification; both is a request (only ever sent by this side):
//
//	→ {"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"1.0",...}}
//	← {"jsonrpc":"2.0","id":1,"result":{}}
//	→ {"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"search","arguments":{...}}}
//	← {"jsonrpc":"2.0","id":2,"result":{"matches":[...]}}
//
// Methods: initialize, ping, tools/list, tools/call. Workers may emit
// tools/stream notifications while a call is in flight (see Streaming).
//
// # Request/Response Correlation
//
// When sending a request, the connection:
//
//  1. Allocates the next id from a strictly increasing 63-bit counter
//  2. Registers a buffered response channel in the pending map
//  3. Writes the request as one line (writes are mutex-serialized)
//  4. Waits for the response, the descriptor's timeout, or ctx cancellation
//
// The reader loop resolves responses by id. An unmatched id (a reply arriving
// after its caller timed out) is logged at debug and dropped. A timeout
// discards the pending request but never tears the connection down.
//
// # Health Checking
//
// Every HealthCheckInterval the connection sends a ping request. A failed
// ping escalates to the same failure path as a broken pipe: the worker is
// killed, pending requests are rejected, and the reconnect policy takes over.
//
// # Reconnection
//
// A worker exit, read error, or failed health check moves the connection to
// the error state. When the descriptor has AutoRestart and retries remain,
// a timer schedules the next attempt with exponential backoff:
//
//	delay = RetryDelay * 2^(retryCount-1)
//
// Retries exhausted is a terminal error state: the connection stays down
// until something calls Connect again. A successful connect resets the
// retry counter.
//
// # Streaming
//
// Long-running tools may emit partial results before the final response:
//
//	{"jsonrpc":"2.0","method":"tools/stream","params":{"requestId":2,"chunk":{...}}}
//
// CallToolStream returns a ToolStream whose Chunks channel carries the
// chunks matching the request id; Wait blocks for the final result. Chunks
// for non-streaming requests fall through to notification handlers.
//
// # Errors
//
// The package distinguishes failure classes so callers can react:
//
//   - TransportError: subprocess or pipe trouble; drives reconnection
//   - ProtocolError: the worker answered with an error object; not retried
//   - ErrTimeout: no reply within the descriptor's Timeout
//   - ErrClosed: the request was rejected by connection teardown
//   - ErrNotConnected: send attempted while not connected
//   - ErrServerNotFound: no such server name in the registry
//   - ErrRetriesExhausted: reconnect attempts used up
//
// All of them work with errors.Is / errors.As.
//
// # Thread Safety
//
// Connection state and the pending map are guarded by one mutex, stdin
// writes by another. Registry lookups use an RWMutex. Status snapshots
// never block on I/O.
package bridge
