/*
Package log provides structured logging for pulsebeam using zerolog.

The log package wraps zerolog to give every component — agent sampler,
queue, transport, shipper, and the server's ingest/attribution/ratelimit
packages — JSON-structured logs with a consistent set of context fields,
without each package constructing its own logger.

# Usage

Initializing the logger (done once, from a cobra.OnInitialize hook):

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Simple logging:

	log.Info("agent starting")
	log.Errorf("queue open failed", err)

Context loggers:

	tenantLog := log.WithTenant(tenantID)
	tenantLog.Info().Str("client_id", clientID).Msg("event accepted")

	agentLog := log.WithAgent(clientID)
	agentLog.Warn().Msg("stream handshake failed, falling back to http")

# Design

A single package-level zerolog.Logger is initialized once and handed out
read-only; child loggers via With* add fields without mutating the
global. This mirrors how zerolog is meant to be used and avoids plumbing
a logger through every constructor.
*/
package log
