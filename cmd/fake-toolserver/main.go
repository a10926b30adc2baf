// ABOUTME: Minimal fake tool server speaking line-delimited JSON-RPC on stdio.
// ABOUTME: Usage: fake-toolserver [-name "echo"] [-chunks 3]

package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/2389/familiar/internal/bridge"
)

var tools = []bridge.Tool{
	{Name: "echo", Description: "Echo the arguments back, tagged with the server name", InputSchema: json.RawMessage(`{"type":"object"}`)},
	{Name: "reflect", Description: "Return the arguments unchanged", InputSchema: json.RawMessage(`{"type":"object"}`)},
	{Name: "stream", Description: "Emit partial results before the final response", InputSchema: json.RawMessage(`{"type":"object","properties":{"chunks":{"type":"integer"}}}`)},
	{Name: "sleep", Description: "Wait ms milliseconds before responding", InputSchema: json.RawMessage(`{"type":"object","properties":{"ms":{"type":"number"}}}`)},
	{Name: "crash", Description: "Exit immediately without responding", InputSchema: json.RawMessage(`{"type":"object"}`)},
}

func main() {
	name := flag.String("name", "fake-toolserver", "server name reported by the echo tool")
	chunks := flag.Int("chunks", 3, "default number of partial results the stream tool emits")
	flag.Parse()

	if err := run(*name, *chunks); err != nil {
		log.Fatal(err)
	}
}

func run(name string, defaultChunks int) error {
	// The supervisor relays stderr into its log, so announce readiness there.
	fmt.Fprintf(os.Stderr, "%s ready\n", name)

	enc := json.NewEncoder(os.Stdout)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg bridge.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			fmt.Fprintf(os.Stderr, "discarding unparseable line: %v\n", err)
			continue
		}

		switch msg.Method {
		case "initialize":
			respond(enc, msg.ID, map[string]any{
				"protocolVersion": "1.0",
				"serverInfo":      map[string]any{"name": name},
			})
		case "ping":
			respond(enc, msg.ID, map[string]any{})
		case "tools/list":
			respond(enc, msg.ID, map[string]any{"tools": tools})
		case "tools/call":
			handleCall(enc, name, defaultChunks, &msg)
		default:
			// Notifications we don't understand are dropped; requests get
			// a method-not-found error so the caller can fail fast.
			if msg.ID != nil {
				respondError(enc, msg.ID, -32601, fmt.Sprintf("method %q not found", msg.Method))
			}
		}
	}

	return scanner.Err()
}

func handleCall(enc *json.Encoder, name string, defaultChunks int, msg *bridge.Message) {
	toolName, _ := msg.Params["name"].(string)
	args, _ := msg.Params["arguments"].(map[string]any)

	switch toolName {
	case "echo":
		respond(enc, msg.ID, map[string]any{"server": name, "echoed": args})
	case "reflect":
		if args == nil {
			args = map[string]any{}
		}
		respond(enc, msg.ID, args)
	case "stream":
		n := defaultChunks
		if v, ok := args["chunks"].(float64); ok && v > 0 {
			n = int(v)
		}
		for i := 1; i <= n; i++ {
			_ = enc.Encode(bridge.Message{
				JSONRPC: "2.0",
				Method:  "tools/stream",
				Params: map[string]any{
					"requestId": *msg.ID,
					"chunk":     map[string]any{"seq": i, "of": n},
				},
			})
			time.Sleep(10 * time.Millisecond)
		}
		respond(enc, msg.ID, map[string]any{"chunks": n})
	case "sleep":
		ms, _ := args["ms"].(float64)
		time.Sleep(time.Duration(ms) * time.Millisecond)
		respond(enc, msg.ID, map[string]any{"slept_ms": ms})
	case "crash":
		fmt.Fprintln(os.Stderr, "crash tool invoked, exiting")
		os.Exit(1)
	default:
		respondError(enc, msg.ID, -32602, fmt.Sprintf("unknown tool %q", toolName))
	}
}

func respond(enc *json.Encoder, id *int64, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		respondError(enc, id, -32603, fmt.Sprintf("encoding result: %v", err))
		return
	}
	_ = enc.Encode(bridge.Message{JSONRPC: "2.0", ID: id, Result: raw})
}

func respondError(enc *json.Encoder, id *int64, code int, message string) {
	_ = enc.Encode(bridge.Message{JSONRPC: "2.0", ID: id, Error: &bridge.RPCError{Code: code, Message: message}})
}
