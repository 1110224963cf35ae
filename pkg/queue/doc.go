/*
Package queue implements the C3 Persistent Queue: the agent's crash-safe
on-disk FIFO of events accepted by the deduplicator but not yet
acknowledged by the server.

It follows the teacher's bbolt-backed, bucket-per-entity storage idiom
(see pkg/tenant), with a monotonically increasing bucket sequence number
as the FIFO order key. Two goroutines write to it: the agent's sampler
bridge enqueues, and pkg/shipper is the only caller of Ack and Retry.
bbolt runs one read-write transaction at a time, which serializes
those writes without an additional mutex.
*/
package queue
