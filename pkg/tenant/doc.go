/*
Package tenant implements the C9 Tenant Isolation Guard: the single
data-access layer standing between every other package and the
database file on disk.

Store's method set takes tenantID as the first parameter of every
call, with no overload that omits it. The only place a tenantID is
allowed to originate is GetTenantByAPIKey, which turns a credential
into the tenantID the rest of a request's call chain then carries
forward explicitly. No method accepts a tenant-id sourced from a
request body, and tenantscope_test.go calls every Store method with an
empty tenantID to assert each one refuses rather than silently
scanning across tenants.

BoltStore, the only implementation, nests every tenant's records under
their own bucket inside a single go.etcd.io/bbolt database file,
following the bucket-per-entity, JSON-marshaled-record idiom of the
storage layer this module descends from. Within a tenant's bucket,
sub-buckets hold users, endpoint identities, unresolved-identity
sightings, usage tallies, and accepted events.
*/
package tenant
