// Package attribution implements the C8 Attribution Writer: for each
// accepted event, it resolves the owning User, advances lastActivity,
// and tallies per-application usage, all within a single call into
// pkg/tenant so partial attribution is impossible.
package attribution

import (
	"time"

	"github.com/cuemby/pulsebeam/pkg/log"
	"github.com/cuemby/pulsebeam/pkg/metrics"
	"github.com/cuemby/pulsebeam/pkg/tenant"
	"github.com/cuemby/pulsebeam/pkg/types"
)

// MaxClockSkew bounds how far a client timestamp may be trusted ahead of
// or behind the server's receive time. Timestamps outside this window
// are clamped to the receive time before being applied, per the spec's
// "clock skew of +/-1 hour must not disturb attribution beyond the
// skew" boundary behavior.
const MaxClockSkew = time.Hour

// Writer resolves identity and advances attribution state for accepted
// events. It holds no state of its own; everything durable lives in the
// tenant.Store.
type Writer struct {
	store tenant.Store
}

// New constructs a Writer over the given tenant store.
func New(store tenant.Store) *Writer {
	return &Writer{store: store}
}

// licenseApplications names applications whose usage consumes a seat,
// and is therefore worth a per-user-per-application tally for the
// "inactive users" report. In production this would be tenant-configurable;
// fixed here since the spec does not define a management surface for it.
var licenseApplications = map[string]bool{
	"Photoshop":    true,
	"Illustrator":  true,
	"Premiere Pro": true,
	"Figma":        true,
}

// Attribute applies event e's effect on tenant tenantID's attribution
// state. It never returns an error for an unresolved identity: that is
// an expected outcome (an unclaimed-identity record is written instead),
// not a failure of the write path.
func (w *Writer) Attribute(tenantID string, e *types.Event) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.AttributionDuration)

	clamped := clampSkew(e.ClientTimestamp, e.ServerReceiveTime)

	if e.Principal == "" {
		return nil
	}

	identity, err := w.store.ResolveIdentity(tenantID, e.Principal)
	if err == tenant.ErrNotFound {
		if e.EventKind.AttributesUsage() {
			metrics.UnresolvedIdentitiesTotal.Inc()
			if recErr := w.store.RecordUnresolvedIdentity(tenantID, e.Principal, e.ServerReceiveTime); recErr != nil {
				log.WithTenant(tenantID).Error().Err(recErr).Str("principal", e.Principal).
					Msg("failed to record unresolved identity")
				return recErr
			}
		}
		return nil
	}
	if err != nil {
		return err
	}
	if identity.UserID == "" {
		return nil
	}

	// application-launch and application-usage are synonyms for the
	// license-seat tally (spec: the C1 sampler emits launch once per
	// process run and usage on every subsequent debounce-window tick).
	isApplicationEvent := e.EventKind == types.EventKindApplicationLaunch || e.EventKind == types.EventKindApplicationUsage
	var application string
	if isApplicationEvent && licenseApplications[e.Subject] {
		application = e.Subject
	}

	return w.store.RecordActivity(tenantID, identity.UserID, application, clamped)
}

// clampSkew returns clientTS if it falls within MaxClockSkew of
// receiveTS, else receiveTS itself, so an agent with a badly wrong clock
// can only ever pin attribution to "now", never arbitrarily far into the
// past or future.
func clampSkew(clientTS, receiveTS time.Time) time.Time {
	delta := receiveTS.Sub(clientTS)
	if delta > MaxClockSkew || delta < -MaxClockSkew {
		return receiveTS
	}
	return clientTS
}
