// Package interceptor turns committed-to-be mutations into ledger events. It
// is the sole path that emits events: the entity store routes every write
// through Prepare, which seals sensitive fields, derives the event payload,
// and stages the hash-chained append. Persistence that bypasses this package
// breaks the ledger invariants.
package interceptor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tallyhq/tallyd/internal/core/delta"
	"github.com/tallyhq/tallyd/internal/core/ledger"
	"github.com/tallyhq/tallyd/internal/storage/kv"
)

// Operation is a mutation kind moving through the write pipeline.
type Operation string

const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Valid reports whether op is one of the three mutation kinds.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// EventType maps the operation to its ledger event type.
func (op Operation) EventType() string {
	switch op {
	case OpCreate:
		return ledger.TypeCreated
	case OpDelete:
		return ledger.TypeDeleted
	default:
		return ledger.TypeUpdated
	}
}

var (
	// ErrSensitiveNotString is returned when a field marked sensitive holds
	// a non-string value; such values cannot be sealed and must not be
	// stored.
	ErrSensitiveNotString = errors.New("interceptor: sensitive field is not a string")

	// ErrBadOutcome is returned for outcomes missing required fields.
	ErrBadOutcome = errors.New("interceptor: invalid mutation outcome")
)

// FieldCipher seals sensitive field values. The vault implements it.
type FieldCipher interface {
	Encrypt(plaintext, tenant string) (string, error)
	IsCiphertext(s string) bool
}

// Outcome describes one decided mutation: the prior and posterior state of
// the entity plus attribution. New is mutated in place when sensitive fields
// need sealing.
type Outcome struct {
	Op         Operation
	Tenant     string
	EntityType string
	EntityID   string

	// Old is the value before the mutation; nil on create. New is the full
	// value after; nil on delete.
	Old map[string]any
	New map[string]any

	// Sensitive lists field names that must be ciphertext at rest.
	Sensitive []string

	Author   string
	Metadata ledger.Metadata
	// At stamps the ledger event; zero means now.
	At time.Time
}

func (o *Outcome) validate() error {
	if !o.Op.Valid() {
		return fmt.Errorf("%w: unknown operation %q", ErrBadOutcome, o.Op)
	}
	if o.Tenant == "" || o.EntityType == "" || o.EntityID == "" || o.Author == "" {
		return fmt.Errorf("%w: tenant, entityType, entityId, and author are required", ErrBadOutcome)
	}
	if o.Op != OpDelete && o.New == nil {
		return fmt.Errorf("%w: %s without a new value", ErrBadOutcome, o.Op)
	}
	return nil
}

// Interceptor stages ledger events for entity mutations.
type Interceptor struct {
	ledger *ledger.Ledger
	cipher FieldCipher
	logger *zap.Logger
}

// New builds an Interceptor emitting through l and sealing through cipher.
func New(l *ledger.Ledger, cipher FieldCipher, logger *zap.Logger) *Interceptor {
	return &Interceptor{ledger: l, cipher: cipher, logger: logger.Named("interceptor")}
}

// Prepare seals sensitive fields in out.New, computes the event payload, and
// stages the ledger append. The returned operations must be committed in the
// same batch as the entity record, followed by Committed.
//
// Caller must hold the tenant lock.
func (i *Interceptor) Prepare(ctx context.Context, out *Outcome) (*ledger.Event, []kv.BatchOperation, error) {
	if err := out.validate(); err != nil {
		return nil, nil, err
	}
	if err := i.SealSensitive(out.New, out.Sensitive, out.Tenant); err != nil {
		return nil, nil, err
	}

	payload, err := i.payloadFor(out)
	if err != nil {
		return nil, nil, err
	}

	return i.ledger.PrepareAppend(ctx, ledger.AppendRequest{
		Tenant:     out.Tenant,
		EntityType: out.EntityType,
		EntityID:   out.EntityID,
		Type:       out.Op.EventType(),
		Payload:    payload,
		Author:     out.Author,
		Metadata:   out.Metadata,
		At:         out.At,
	})
}

// payloadFor derives the event payload: the full value for creates, a field
// delta for updates, a tombstone for deletes.
func (i *Interceptor) payloadFor(out *Outcome) (map[string]any, error) {
	switch out.Op {
	case OpCreate:
		return out.New, nil
	case OpUpdate:
		return delta.DeltaPayload(delta.Diff(out.Old, out.New)), nil
	case OpDelete:
		at := out.At
		if at.IsZero() {
			at = time.Now().UTC()
		}
		return map[string]any{"deletedAt": at.UTC().Format(time.RFC3339Nano)}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadOutcome, out.Op)
	}
}

// Committed records the event as durable after a successful batch commit.
func (i *Interceptor) Committed(ctx context.Context, event *ledger.Event) {
	i.ledger.NotifyCommitted(ctx, event)
}

// SealSensitive encrypts, in place, every listed field of value that is
// still plaintext. Values already carrying the marker pass through, so the
// call is idempotent. Sensitive fields must be strings; anything else is
// refused rather than stored bare.
func (i *Interceptor) SealSensitive(value map[string]any, sensitive []string, tenant string) error {
	if value == nil || len(sensitive) == 0 {
		return nil
	}
	for _, name := range sensitive {
		raw, ok := value[name]
		if !ok || raw == nil {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			return fmt.Errorf("%w: %s (%T)", ErrSensitiveNotString, name, raw)
		}
		if s == "" || i.cipher.IsCiphertext(s) {
			continue
		}
		marker, err := i.cipher.Encrypt(s, tenant)
		if err != nil {
			return fmt.Errorf("seal %s: %w", name, err)
		}
		value[name] = marker
	}
	return nil
}

// EmitDomainEvent appends an opaque domain fact (FUNDS_RESERVED,
// TAX_DEDUCTION_ESTIMATED, ...) to the tenant's chain, committing
// immediately. Domain events never touch the entity projection; they enrich
// the entity's ledger history.
func (i *Interceptor) EmitDomainEvent(ctx context.Context, tenant, entityType, entityID, eventType string, payload map[string]any, author string, meta ledger.Metadata) (*ledger.Event, error) {
	event, err := i.ledger.Append(ctx, ledger.AppendRequest{
		Tenant:     tenant,
		EntityType: entityType,
		EntityID:   entityID,
		Type:       eventType,
		Payload:    payload,
		Author:     author,
		Metadata:   meta,
	})
	if err != nil {
		return nil, err
	}
	i.logger.Debug("domain event appended",
		zap.String("tenant", tenant),
		zap.String("type", eventType),
		zap.String("entityId", entityID),
	)
	return event, nil
}
