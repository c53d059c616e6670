// Package signaling implements the WebSocket signaling relay: per-connection
// transport, the room/connection lifecycle and point-to-point routing of
// session descriptions, ICE candidates and call-control events between
// browser peers.
//
// The relay never terminates WebRTC sessions itself; it only brokers the
// small JSON messages peers need to establish a direct connection.
package signaling
