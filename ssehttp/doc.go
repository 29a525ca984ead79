// Package ssehttp implements the legacy MCP HTTP+SSE transport for a fleet of
// short-lived processes. It mounts as a standard net/http handler.
//
// Routes
//
//	GET  /sse      open a session; the response is the event stream
//	POST /message  send a control message (?sessionId=<id>)
//	GET  /         liveness ("Hello, world!")
//
// Every other path answers 404 "Not found".
//
// # Relaying
//
// The process serving GET /sse is usually not the one serving the POSTs for
// the same session. A control message is therefore snapshotted, published on
// the broker topic requests:<sessionId> and answered 202 straight away. The
// process holding the stream is subscribed to that topic, rebuilds the
// request and hands it to the engine, which writes any JSON-RPC response to
// the stream as a "message" event.
//
// # Session Lifetime
//
// A session ends when the first of these happens: the max duration elapses,
// the client disconnects, the broker subscription is lost, or the handler's
// construction context is cancelled. Cleanup then runs once, in order: stop
// the interval log flush, unsubscribe, flush remaining logs, close the stream,
// unregister the session.
//
// Construction
//
//	h := ssehttp.New(ctx, server, redisbroker.New(client),
//	    ssehttp.WithLogger(log),
//	    ssehttp.WithMaxDuration(795*time.Second),
//	)
//	http.ListenAndServe(":3000", h)
package ssehttp
