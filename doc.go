// Package deepstream implements the client core of a realtime messaging
// system: a connection state machine, and Record, Event, RPC and Presence
// handlers multiplexed over a single line-delimited WebSocket connection.
package deepstream
