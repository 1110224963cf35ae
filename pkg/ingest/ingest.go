// Package ingest implements the C6 Ingestion Endpoint and wires in the
// C7 Server Rate Limiter: authenticate, rate-limit, validate, normalize,
// de-duplicate, durably write, and hand off to attribution, over both
// the HTTP and stream transports.
package ingest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/pulsebeam/pkg/attribution"
	"github.com/cuemby/pulsebeam/pkg/events"
	"github.com/cuemby/pulsebeam/pkg/log"
	"github.com/cuemby/pulsebeam/pkg/metrics"
	"github.com/cuemby/pulsebeam/pkg/ratelimit"
	"github.com/cuemby/pulsebeam/pkg/tenant"
	"github.com/cuemby/pulsebeam/pkg/types"
)

// Reason is the coarse error taxonomy surfaced to agents, per spec §4.6/§7.
// The server never returns internal-state detail beyond these classes.
type Reason string

const (
	ReasonUnauthenticated Reason = "unauthenticated"
	ReasonThrottled       Reason = "throttled"
	ReasonInvalidSchema   Reason = "invalid-schema"
	ReasonPayloadTooLarge Reason = "payload-too-large"
	ReasonInternal        Reason = "internal"
)

// Rejection is returned when an event is not accepted. RetryAfter is
// only meaningful for ReasonThrottled.
type Rejection struct {
	Reason     Reason
	Detail     string
	RetryAfter time.Duration
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

func reject(reason Reason, detail string) *Rejection {
	return &Rejection{Reason: reason, Detail: detail}
}

// MaxBatchSize and MaxBatchBytes bound a single ingest-batch call, per
// spec §6.
const (
	MaxBatchSize  = 500
	MaxBatchBytes = 1024 * 1024
)

// EventIn is the wire shape of a single event as delivered by an agent,
// over either HTTP or the stream channel.
type EventIn struct {
	Event           string    `json:"event"`
	Subject         string    `json:"subject"`
	Title           string    `json:"title,omitempty"`
	Principal       string    `json:"principal,omitempty"`
	Machine         string    `json:"machine,omitempty"`
	ClientID        string    `json:"clientId"`
	ClientTimestamp time.Time `json:"clientTimestamp"`
}

// BatchOutcome reports the per-index result of an ingest-batch call.
type BatchOutcome struct {
	Processed int                `json:"processed"`
	Failed    []IndexedRejection `json:"failed,omitempty"`
}

// IndexedRejection pairs a batch element's position with why it failed.
type IndexedRejection struct {
	Index  int    `json:"index"`
	Reason Reason `json:"reason"`
}

// Endpoint is the C6/C7 ingestion surface. It holds no per-connection
// state; HTTP handlers and the stream handler both call through it.
type Endpoint struct {
	store       tenant.Store
	limiter     *ratelimit.Limiter
	attribution *attribution.Writer
	broker      *events.Broker
}

// New constructs an Endpoint over the given tenant store, rate limiter,
// and attribution writer. broker may be nil if event notifications are
// not needed (e.g. in unit tests).
func New(store tenant.Store, limiter *ratelimit.Limiter, attr *attribution.Writer, broker *events.Broker) *Endpoint {
	return &Endpoint{store: store, limiter: limiter, attribution: attr, broker: broker}
}

// Authenticate resolves an opaque api-key to a tenant-id. This is the
// one and only place a tenant-id may originate (spec §4.9); everything
// downstream receives it as an explicit parameter.
func (e *Endpoint) Authenticate(apiKey string) (string, *Rejection) {
	if apiKey == "" {
		return "", reject(ReasonUnauthenticated, "missing credential")
	}
	t, err := e.store.GetTenantByAPIKey(apiKey)
	if err != nil || t.Deleted {
		return "", reject(ReasonUnauthenticated, "unknown or revoked api key")
	}
	return t.ID, nil
}

// Ingest runs a single event through the full C6 pipeline: rate limit,
// validate, normalize, idempotency check, durable write, attribution.
func (e *Endpoint) Ingest(tenantID string, channel types.SourceChannel, in *EventIn) *Rejection {
	if !e.limiter.Allow(tenantID, ratelimit.ClassIngest) {
		metrics.EventsRejectedTotal.WithLabelValues(string(ReasonThrottled)).Inc()
		return &Rejection{Reason: ReasonThrottled, Detail: "rate budget exceeded", RetryAfter: time.Second}
	}

	evt, rej := e.validateAndNormalize(tenantID, channel, in)
	if rej != nil {
		metrics.EventsRejectedTotal.WithLabelValues(string(rej.Reason)).Inc()
		return rej
	}

	if err := e.store.CreateEvent(tenantID, evt); err != nil {
		if errors.Is(err, tenant.ErrDuplicate) {
			metrics.EventsDuplicateTotal.Inc()
			metrics.EventsAcceptedTotal.WithLabelValues(string(channel)).Inc()
			return nil // idempotent: already accepted
		}
		log.WithTenant(tenantID).Error().Err(err).Msg("durable write failed")
		metrics.EventsRejectedTotal.WithLabelValues(string(ReasonInternal)).Inc()
		return reject(ReasonInternal, "storage write failed")
	}

	// Attribution must complete before this call returns so that the
	// next request from the same agent never observes stale state
	// (spec §4.6 step 7).
	if err := e.attribution.Attribute(tenantID, evt); err != nil {
		log.WithTenant(tenantID).Error().Err(err).Msg("attribution failed")
	}

	metrics.EventsAcceptedTotal.WithLabelValues(string(channel)).Inc()
	if e.broker != nil {
		e.broker.Publish(events.NewEvent(events.EventAccepted, "event accepted", map[string]string{
			"tenant_id": tenantID,
			"kind":      string(evt.EventKind),
		}))
	}
	return nil
}

// IngestBatch validates, stores and attributes each element of a batch
// independently (the same steps as Ingest, without Ingest's per-event
// rate check), charging the whole batch against the rate limiter atomically so a
// batch cannot be split across a throttle boundary element-by-element.
func (e *Endpoint) IngestBatch(tenantID string, channel types.SourceChannel, in []*EventIn) BatchOutcome {
	if !e.limiter.AllowN(tenantID, ratelimit.ClassIngest, len(in)) {
		failed := make([]IndexedRejection, len(in))
		for i := range in {
			failed[i] = IndexedRejection{Index: i, Reason: ReasonThrottled}
		}
		metrics.EventsRejectedTotal.WithLabelValues(string(ReasonThrottled)).Add(float64(len(in)))
		return BatchOutcome{Processed: 0, Failed: failed}
	}

	outcome := BatchOutcome{}
	for i, item := range in {
		evt, rej := e.validateAndNormalize(tenantID, channel, item)
		if rej != nil {
			metrics.EventsRejectedTotal.WithLabelValues(string(rej.Reason)).Inc()
			outcome.Failed = append(outcome.Failed, IndexedRejection{Index: i, Reason: rej.Reason})
			continue
		}
		if err := e.store.CreateEvent(tenantID, evt); err != nil {
			if errors.Is(err, tenant.ErrDuplicate) {
				metrics.EventsDuplicateTotal.Inc()
				outcome.Processed++
				continue
			}
			log.WithTenant(tenantID).Error().Err(err).Msg("durable write failed")
			outcome.Failed = append(outcome.Failed, IndexedRejection{Index: i, Reason: ReasonInternal})
			continue
		}
		if err := e.attribution.Attribute(tenantID, evt); err != nil {
			log.WithTenant(tenantID).Error().Err(err).Msg("attribution failed")
		}
		metrics.EventsAcceptedTotal.WithLabelValues(string(channel)).Inc()
		outcome.Processed++
	}
	return outcome
}

// validateAndNormalize implements spec §4.6 steps 3-4: schema
// validation and normalization. Unknown extra fields are never seen
// here at all since EventIn only declares the recognized fields
// (json.Decoder drops the rest by construction).
func (e *Endpoint) validateAndNormalize(tenantID string, channel types.SourceChannel, in *EventIn) (*types.Event, *Rejection) {
	kind := types.EventKind(in.Event)
	if !types.ValidEventKind(kind) {
		return nil, reject(ReasonInvalidSchema, "unrecognized event kind: "+in.Event)
	}
	if _, err := uuid.Parse(in.ClientID); err != nil {
		return nil, reject(ReasonInvalidSchema, "clientId must be a UUID")
	}
	if in.ClientTimestamp.IsZero() {
		return nil, reject(ReasonInvalidSchema, "clientTimestamp is required")
	}
	if len(in.Subject) > types.MaxSubjectBytes {
		return nil, reject(ReasonPayloadTooLarge, "subject exceeds size cap")
	}
	if len(in.Title) > types.MaxTitleBytes {
		return nil, reject(ReasonPayloadTooLarge, "title exceeds size cap")
	}
	if len(in.Principal) > types.MaxPrincipalBytes {
		return nil, reject(ReasonPayloadTooLarge, "principal exceeds size cap")
	}

	subject := strings.TrimSpace(in.Subject)
	if kind == types.EventKindWebVisit {
		subject = normalizeURL(subject)
	}

	return &types.Event{
		EventKind:         kind,
		Subject:           subject,
		Title:             strings.TrimSpace(in.Title),
		Principal:         strings.TrimSpace(in.Principal),
		Machine:           strings.TrimSpace(in.Machine),
		ClientID:          in.ClientID,
		ClientTimestamp:   in.ClientTimestamp,
		ServerReceiveTime: time.Now(),
		SourceChannel:     channel,
	}, nil
}

// normalizeURL lower-cases the host portion of a web-visit subject,
// per spec §4.6 step 4. The query-string-stripping open question
// (spec §9) is decided in favor of stripping by default; see DESIGN.md.
func normalizeURL(raw string) string {
	scheme, rest, hasScheme := strings.Cut(raw, "://")
	if !hasScheme {
		rest = raw
		scheme = ""
	}
	hostAndPath := rest
	if i := strings.IndexAny(hostAndPath, "?#"); i >= 0 {
		hostAndPath = hostAndPath[:i]
	}
	host, path, hasPath := strings.Cut(hostAndPath, "/")
	host = strings.ToLower(host)
	out := host
	if hasPath {
		out = host + "/" + path
	}
	if scheme != "" {
		return scheme + "://" + out
	}
	return out
}
