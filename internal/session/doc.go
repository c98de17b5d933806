// Package session implements the Session Manager: it owns the feed
// connection lifecycle (connect, authenticate, subscribe, heartbeat,
// reconnect) and the active-subscription bookkeeping that survives
// reconnects.
//
// The state machine is
//
//	Disconnected → Connecting → Authenticated → Subscribing → Streaming
//	            ↘ (error) Reconnecting → Connecting
//
// with ShutDown reachable from any state via Stop. Retriable errors
// (network blips, stale heartbeats) loop through the backoff ladder;
// terminal errors (bad credentials, rejected subscriptions) surface
// immediately and never loop.
package session
