// Package shipper is the only component that calls Ack or Retry on the
// queue; everything upstream of it only enqueues. It also owns the
// sole back-pressure signal fed back to the sampler.
package shipper
