/*
Package transport implements the C4 Transport Multiplexer's state
machine from spec §4.4:

	DISCONNECTED -> CONNECTING -> STREAMING -> (back to) CONNECTING -> HTTP_ONLY -> CONNECTING

Backoff between reconnect attempts is capped-exponential with full
jitter (crypto/rand, not math/rand, since the jitter has no need to be
reproducible and crypto/rand avoids a shared global generator).
cmd/pulsebeam-agent's supervisor (and its drain command) calls Connect;
the shipper loop (pkg/shipper) calls SendStream/SendHTTP. This package
owns no retry loop of its own.
*/
package transport
