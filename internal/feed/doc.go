// Package feed implements the websocket transport to the vendor's
// market-data endpoint: dialing, the liveness watchdog, write
// serialization, and the read loop that hands raw frames to the session
// manager.
//
// Heartbeat and pong frames are consumed on the read goroutine itself and
// only refresh the liveness clock — they are never queued behind data
// frames.
package feed
