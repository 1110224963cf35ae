package tenant

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/pulsebeam/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketTenants        = []byte("tenants")
	bucketTenantsByKey   = []byte("tenants_by_apikey")
	bucketTenantScopes   = []byte("t") // one nested bucket per tenant-id
	subBucketUsers       = []byte("users")
	subBucketUsersByMail = []byte("users_by_email")
	subBucketIdentities  = []byte("identities")
	subBucketUnresolved  = []byte("unresolved")
	subBucketEvents      = []byte("events")
)

// BoltStore implements Store using go.etcd.io/bbolt, grounded on the
// teacher's pkg/storage/boltdb.go bucket-per-entity idiom, generalized
// with one nested bucket per tenant so every key access is physically
// confined to its tenant's subtree.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the tenant-scoped database at
// <dataDir>/pulsebeam.db.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "pulsebeam.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("tenant: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketTenants); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketTenantsByKey); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketTenantScopes)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("tenant: init buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

// Stats reports cross-tenant counts for the operator-facing metrics
// collector. It is deliberately not part of the Store interface: every
// per-request code path goes through tenant-scoped methods only, and
// this is the one exception, reachable solely from pkg/metrics.
type Stats struct {
	Tenants int
	Users   int
}

// Stats walks every tenant's nested bucket to total its user count.
// Proportional to tenant count, which is expected to be small relative
// to event volume; it is polled on the metrics scrape interval, not per
// request.
func (s *BoltStore) Stats() (Stats, error) {
	var out Stats
	err := s.db.View(func(tx *bolt.Tx) error {
		tenants := tx.Bucket(bucketTenants)
		tenants.ForEach(func(k, v []byte) error {
			var t types.Tenant
			if err := json.Unmarshal(v, &t); err == nil && !t.Deleted {
				out.Tenants++
			}
			return nil
		})

		scopes := tx.Bucket(bucketTenantScopes)
		if scopes == nil {
			return nil
		}
		return scopes.ForEach(func(k, v []byte) error {
			if v != nil {
				return nil // not a nested bucket
			}
			tb := scopes.Bucket(k)
			if tb == nil {
				return nil
			}
			if users := tb.Bucket(subBucketUsers); users != nil {
				out.Users += users.Stats().KeyN
			}
			return nil
		})
	})
	return out, err
}

// scope returns (creating if needed) the nested bucket for tenantID,
// along with its users/identities/unresolved/events sub-buckets.
func scope(tx *bolt.Tx, tenantID string, writable bool) (*bolt.Bucket, error) {
	root := tx.Bucket(bucketTenantScopes)
	if writable {
		return root.CreateBucketIfNotExists([]byte(tenantID))
	}
	b := root.Bucket([]byte(tenantID))
	if b == nil {
		return nil, ErrNotFound
	}
	return b, nil
}

func ensureSub(tenantBucket *bolt.Bucket, name []byte) (*bolt.Bucket, error) {
	return tenantBucket.CreateBucketIfNotExists(name)
}

// --- Tenant CRUD -----------------------------------------------------

func (s *BoltStore) CreateTenant(tenantID string, t *types.Tenant) error {
	if tenantID == "" {
		return ErrTenantIDRequired
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketTenants).Put([]byte(tenantID), data); err != nil {
			return err
		}
		if t.APIKey != "" {
			if err := tx.Bucket(bucketTenantsByKey).Put([]byte(t.APIKey), []byte(tenantID)); err != nil {
				return err
			}
		}
		_, err = scope(tx, tenantID, true)
		return err
	})
}

func (s *BoltStore) GetTenant(tenantID string) (*types.Tenant, error) {
	if tenantID == "" {
		return nil, ErrTenantIDRequired
	}
	var t types.Tenant
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTenants).Get([]byte(tenantID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTenantByAPIKey is the sole entry point that turns a credential into
// a tenant-id; it is deliberately not part of Store's tenant-scoped
// methods since it is the thing that *produces* tenantID, not one that
// consumes it.
func (s *BoltStore) GetTenantByAPIKey(apiKey string) (*types.Tenant, error) {
	if apiKey == "" {
		return nil, ErrNotFound
	}
	var tenantID string
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketTenantsByKey).Get([]byte(apiKey))
		if id == nil {
			return ErrNotFound
		}
		tenantID = string(id)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetTenant(tenantID)
}

func (s *BoltStore) RotateAPIKey(tenantID string, newKey string) error {
	if tenantID == "" {
		return ErrTenantIDRequired
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTenants).Get([]byte(tenantID))
		if data == nil {
			return ErrNotFound
		}
		var t types.Tenant
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		oldKey := t.APIKey
		t.APIKey = newKey
		updated, err := json.Marshal(&t)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketTenants).Put([]byte(tenantID), updated); err != nil {
			return err
		}
		// New key persisted before old one invalidated, so a reader
		// never observes a window with no valid key for this tenant.
		if err := tx.Bucket(bucketTenantsByKey).Put([]byte(newKey), []byte(tenantID)); err != nil {
			return err
		}
		if oldKey != "" {
			return tx.Bucket(bucketTenantsByKey).Delete([]byte(oldKey))
		}
		return nil
	})
}

func (s *BoltStore) DeleteTenant(tenantID string) error {
	if tenantID == "" {
		return ErrTenantIDRequired
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTenants).Get([]byte(tenantID))
		if data != nil {
			var t types.Tenant
			if err := json.Unmarshal(data, &t); err == nil {
				t.Deleted = true
				if updated, err := json.Marshal(&t); err == nil {
					_ = tx.Bucket(bucketTenants).Put([]byte(tenantID), updated)
				}
				if t.APIKey != "" {
					_ = tx.Bucket(bucketTenantsByKey).Delete([]byte(t.APIKey))
				}
			}
		}
		return nil
	})
}

// --- User CRUD ---------------------------------------------------------

func (s *BoltStore) CreateUser(tenantID string, u *types.User) error {
	if tenantID == "" {
		return ErrTenantIDRequired
	}
	u.TenantID = tenantID
	return s.db.Update(func(tx *bolt.Tx) error {
		tb, err := scope(tx, tenantID, true)
		if err != nil {
			return err
		}
		users, err := ensureSub(tb, subBucketUsers)
		if err != nil {
			return err
		}
		byMail, err := ensureSub(tb, subBucketUsersByMail)
		if err != nil {
			return err
		}
		data, err := json.Marshal(u)
		if err != nil {
			return err
		}
		if err := users.Put([]byte(u.ID), data); err != nil {
			return err
		}
		return byMail.Put([]byte(strings.ToLower(u.Email)), []byte(u.ID))
	})
}

func (s *BoltStore) GetUser(tenantID string, userID string) (*types.User, error) {
	if tenantID == "" {
		return nil, ErrTenantIDRequired
	}
	var u types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		tb, err := scope(tx, tenantID, false)
		if err != nil {
			return err
		}
		users := tb.Bucket(subBucketUsers)
		if users == nil {
			return ErrNotFound
		}
		data := users.Get([]byte(userID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *BoltStore) GetUserByEmail(tenantID string, email string) (*types.User, error) {
	if tenantID == "" {
		return nil, ErrTenantIDRequired
	}
	var userID string
	err := s.db.View(func(tx *bolt.Tx) error {
		tb, err := scope(tx, tenantID, false)
		if err != nil {
			return err
		}
		byMail := tb.Bucket(subBucketUsersByMail)
		if byMail == nil {
			return ErrNotFound
		}
		id := byMail.Get([]byte(strings.ToLower(email)))
		if id == nil {
			return ErrNotFound
		}
		userID = string(id)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetUser(tenantID, userID)
}

func (s *BoltStore) ListUsers(tenantID string) ([]*types.User, error) {
	if tenantID == "" {
		return nil, ErrTenantIDRequired
	}
	var users []*types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		tb, err := scope(tx, tenantID, false)
		if err != nil {
			if err == ErrNotFound {
				return nil
			}
			return err
		}
		b := tb.Bucket(subBucketUsers)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var u types.User
			if err := json.Unmarshal(v, &u); err != nil {
				return err
			}
			users = append(users, &u)
			return nil
		})
	})
	return users, err
}

func (s *BoltStore) UpdateUser(tenantID string, u *types.User) error {
	return s.CreateUser(tenantID, u) // upsert, same as teacher's Update*-is-Create* pattern
}

func (s *BoltStore) DeleteUser(tenantID string, userID string) error {
	if tenantID == "" {
		return ErrTenantIDRequired
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		tb, err := scope(tx, tenantID, false)
		if err != nil {
			if err == ErrNotFound {
				return nil
			}
			return err
		}
		b := tb.Bucket(subBucketUsers)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(userID))
	})
}

// AdvanceLastActivity performs a single read-then-conditionally-write
// update inside one bbolt transaction. bbolt serializes all writers, so
// this transaction is the atomic unit spec §5 requires: there is no
// window in which a concurrent AdvanceLastActivity call can interleave
// and cause a rewind.
func (s *BoltStore) AdvanceLastActivity(tenantID string, userID string, ts time.Time) error {
	if tenantID == "" {
		return ErrTenantIDRequired
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		tb, err := scope(tx, tenantID, true)
		if err != nil {
			return err
		}
		return advanceLastActivity(tb, userID, ts)
	})
}

func advanceLastActivity(tb *bolt.Bucket, userID string, ts time.Time) error {
	users, err := ensureSub(tb, subBucketUsers)
	if err != nil {
		return err
	}
	data := users.Get([]byte(userID))
	if data == nil {
		return ErrNotFound
	}
	var u types.User
	if err := json.Unmarshal(data, &u); err != nil {
		return err
	}
	if u.LastActivity == nil || ts.After(*u.LastActivity) {
		u.LastActivity = &ts
		updated, err := json.Marshal(&u)
		if err != nil {
			return err
		}
		return users.Put([]byte(userID), updated)
	}
	return nil
}

func (s *BoltStore) IncrementUsage(tenantID string, userID string, application string) error {
	if tenantID == "" {
		return ErrTenantIDRequired
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		tb, err := scope(tx, tenantID, true)
		if err != nil {
			return err
		}
		return incrementUsage(tb, userID, application)
	})
}

func incrementUsage(tb *bolt.Bucket, userID string, application string) error {
	usage, err := ensureSub(tb, []byte("usage"))
	if err != nil {
		return err
	}
	key := []byte(userID + "\x00" + application)
	var count int64
	if data := usage.Get(key); data != nil {
		if err := json.Unmarshal(data, &count); err != nil {
			return err
		}
	}
	count++
	data, err := json.Marshal(count)
	if err != nil {
		return err
	}
	return usage.Put(key, data)
}

// UsageCount returns the current per-user-per-application usage tally,
// for operator reporting ("inactive users"/license utilization) and for
// tests to observe what RecordActivity wrote.
func (s *BoltStore) UsageCount(tenantID string, userID string, application string) (int64, error) {
	if tenantID == "" {
		return 0, ErrTenantIDRequired
	}
	var count int64
	err := s.db.View(func(tx *bolt.Tx) error {
		tb, err := scope(tx, tenantID, false)
		if err != nil {
			return err
		}
		usage := tb.Bucket([]byte("usage"))
		if usage == nil {
			return nil
		}
		data := usage.Get([]byte(userID + "\x00" + application))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &count)
	})
	return count, err
}

// RecordActivity advances userID's lastActivity and, when application is
// non-empty, increments its per-application usage tally, both within one
// bbolt transaction. Attribute calls only this method (never
// AdvanceLastActivity/IncrementUsage directly) so the two mutations can
// never be observed half-applied after a crash (spec §4.8 point 4).
func (s *BoltStore) RecordActivity(tenantID string, userID string, application string, at time.Time) error {
	if tenantID == "" {
		return ErrTenantIDRequired
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		tb, err := scope(tx, tenantID, true)
		if err != nil {
			return err
		}
		if err := advanceLastActivity(tb, userID, at); err != nil {
			return err
		}
		if application == "" {
			return nil
		}
		return incrementUsage(tb, userID, application)
	})
}

// --- EndpointIdentity ---------------------------------------------------

func (s *BoltStore) PutEndpointIdentity(tenantID string, identity *types.EndpointIdentity) error {
	if tenantID == "" {
		return ErrTenantIDRequired
	}
	identity.TenantID = tenantID
	return s.db.Update(func(tx *bolt.Tx) error {
		tb, err := scope(tx, tenantID, true)
		if err != nil {
			return err
		}
		b, err := ensureSub(tb, subBucketIdentities)
		if err != nil {
			return err
		}
		data, err := json.Marshal(identity)
		if err != nil {
			return err
		}
		return b.Put([]byte(identity.Identifier), data)
	})
}

func (s *BoltStore) ResolveIdentity(tenantID string, identifier string) (*types.EndpointIdentity, error) {
	if tenantID == "" {
		return nil, ErrTenantIDRequired
	}
	var identity types.EndpointIdentity
	err := s.db.View(func(tx *bolt.Tx) error {
		tb, err := scope(tx, tenantID, false)
		if err != nil {
			return err
		}
		b := tb.Bucket(subBucketIdentities)
		if b == nil {
			return ErrNotFound
		}
		data := b.Get([]byte(identifier))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &identity)
	})
	if err != nil {
		return nil, err
	}
	return &identity, nil
}

func (s *BoltStore) RecordUnresolvedIdentity(tenantID string, identifier string, seenAt time.Time) error {
	if tenantID == "" {
		return ErrTenantIDRequired
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		tb, err := scope(tx, tenantID, true)
		if err != nil {
			return err
		}
		b, err := ensureSub(tb, subBucketUnresolved)
		if err != nil {
			return err
		}
		var rec types.UnresolvedIdentity
		if data := b.Get([]byte(identifier)); data != nil {
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
		} else {
			rec = types.UnresolvedIdentity{TenantID: tenantID, Identifier: identifier, FirstSeen: seenAt}
		}
		rec.LastSeen = seenAt
		rec.SeenCount++
		data, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(identifier), data)
	})
}

func (s *BoltStore) ListUnclaimedIdentities(tenantID string) ([]*types.UnresolvedIdentity, error) {
	if tenantID == "" {
		return nil, ErrTenantIDRequired
	}
	var out []*types.UnresolvedIdentity
	err := s.db.View(func(tx *bolt.Tx) error {
		tb, err := scope(tx, tenantID, false)
		if err != nil {
			if err == ErrNotFound {
				return nil
			}
			return err
		}
		b := tb.Bucket(subBucketUnresolved)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var rec types.UnresolvedIdentity
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
			return nil
		})
	})
	return out, err
}

// --- Events --------------------------------------------------------------

func eventKey(clientID string) []byte { return []byte(clientID) }

func (s *BoltStore) CreateEvent(tenantID string, e *types.Event) error {
	if tenantID == "" {
		return ErrTenantIDRequired
	}
	e.TenantID = tenantID
	return s.db.Update(func(tx *bolt.Tx) error {
		tb, err := scope(tx, tenantID, true)
		if err != nil {
			return err
		}
		b, err := ensureSub(tb, subBucketEvents)
		if err != nil {
			return err
		}
		if b.Get(eventKey(e.ClientID)) != nil {
			return ErrDuplicate
		}
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put(eventKey(e.ClientID), data)
	})
}

func (s *BoltStore) EventExists(tenantID string, clientID string) (bool, error) {
	if tenantID == "" {
		return false, ErrTenantIDRequired
	}
	exists := false
	err := s.db.View(func(tx *bolt.Tx) error {
		tb, err := scope(tx, tenantID, false)
		if err != nil {
			if err == ErrNotFound {
				return nil
			}
			return err
		}
		b := tb.Bucket(subBucketEvents)
		if b == nil {
			return nil
		}
		exists = b.Get(eventKey(clientID)) != nil
		return nil
	})
	return exists, err
}

func (s *BoltStore) ListEvents(tenantID string, limit int) ([]*types.Event, error) {
	if tenantID == "" {
		return nil, ErrTenantIDRequired
	}
	var events []*types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		tb, err := scope(tx, tenantID, false)
		if err != nil {
			if err == ErrNotFound {
				return nil
			}
			return err
		}
		b := tb.Bucket(subBucketEvents)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if limit > 0 && len(events) >= limit {
				return nil
			}
			var e types.Event
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			events = append(events, &e)
			return nil
		})
	})
	return events, err
}
