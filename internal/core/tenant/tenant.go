// Package tenant tracks the isolation units all ledger, journal, and entity
// state is scoped by.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tallyhq/tallyd/internal/storage/codec"
	"github.com/tallyhq/tallyd/internal/storage/kv"
)

var (
	// ErrNotFound is returned when a tenant id is unknown.
	ErrNotFound = errors.New("tenant: not found")

	// ErrInvalidID is returned for ids that would break key or marker
	// grammar.
	ErrInvalidID = errors.New("tenant: invalid id")
)

const keyPrefix = "t|"

// Tenant is an isolation unit. The hierarchy fields exist for organizations
// that nest workspaces; the core only reads ID and Active.
type Tenant struct {
	ID       string `codec:"id"`
	Name     string `codec:"name,omitempty"`
	OwnerID  string `codec:"ownerId,omitempty"`
	ParentID string `codec:"parentId,omitempty"`
	// Inherit marks hierarchies where the parent's policies flow down.
	Inherit   bool      `codec:"inherit,omitempty"`
	Active    bool      `codec:"active"`
	CreatedAt time.Time `codec:"createdAt"`
	UpdatedAt time.Time `codec:"updatedAt"`
}

// ValidateID rejects ids that collide with key separators or the vault marker
// grammar.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if strings.ContainsAny(id, ":|") {
		return fmt.Errorf("%w: %q contains a reserved character", ErrInvalidID, id)
	}
	return nil
}

// Store persists tenants in the kv store.
type Store struct {
	db kv.DB
}

// NewStore returns a tenant store over db.
func NewStore(db kv.DB) *Store {
	return &Store{db: db}
}

func key(id string) []byte {
	return []byte(keyPrefix + id)
}

// Put writes a tenant record.
func (s *Store) Put(ctx context.Context, t *Tenant) error {
	if err := ValidateID(t.ID); err != nil {
		return err
	}
	data, err := codec.EncodeRecord(t, 0)
	if err != nil {
		return fmt.Errorf("encode tenant %s: %w", t.ID, err)
	}
	return s.db.Write(ctx, key(t.ID), data)
}

// Get returns the tenant by id.
func (s *Store) Get(ctx context.Context, id string) (*Tenant, error) {
	data, err := s.db.Read(ctx, key(id))
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	var t Tenant
	if err := codec.DecodeRecord(data, &t); err != nil {
		return nil, fmt.Errorf("decode tenant %s: %w", id, err)
	}
	return &t, nil
}

// Ensure registers an active tenant on first contact. Existing records are
// left untouched.
func (s *Store) Ensure(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if _, err := s.Get(ctx, id); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	now := time.Now().UTC()
	return s.Put(ctx, &Tenant{ID: id, Active: true, CreatedAt: now, UpdatedAt: now})
}

// SetActive flips the active flag.
func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	t.Active = active
	t.UpdatedAt = time.Now().UTC()
	return s.Put(ctx, t)
}

// List returns all tenants in id order.
func (s *Store) List(ctx context.Context) ([]*Tenant, error) {
	prefix := []byte(keyPrefix)
	it, err := s.db.Iterator(ctx, prefix, kv.PrefixEnd(prefix))
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []*Tenant
	for it.Next() {
		var t Tenant
		if err := codec.DecodeRecord(it.Value(), &t); err != nil {
			return nil, fmt.Errorf("decode tenant %s: %w", it.Key(), err)
		}
		out = append(out, &t)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

// ActiveIDs returns ids of active tenants, the working set for background
// workers.
func (s *Store) ActiveIDs(ctx context.Context) ([]string, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(all))
	for _, t := range all {
		if t.Active {
			ids = append(ids, t.ID)
		}
	}
	return ids, nil
}
