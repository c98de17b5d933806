// Package normalize maps vendor websocket payloads into the canonical
// record types. Everything here is pure: no I/O, no shared state, one
// payload in, zero or one record out.
//
// The vendor emits the same logical fields under several names depending
// on channel and delivery mode (e.g. "price" vs "matchPrice" vs
// "dealPrice"), so every extraction tries the primary name first and then
// the documented fallbacks. Unit and timezone conversion happens exactly
// once, at this boundary.
package normalize
