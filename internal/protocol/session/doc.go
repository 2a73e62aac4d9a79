// Package session owns channel transport configuration.
//
// Ownership boundary:
// - connect/write/heartbeat timing and frame limits
// - security mode validation (tls, in-band crypto, compression)
// - reconnect backoff primitives used by callers of rpc.ChannelClient
package session
