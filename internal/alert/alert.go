// Package alert defines the outbound notifier for conditions operators must
// see: stuck journal entries, chain verification failures, anchor mismatches.
package alert

import (
	"context"

	"go.uber.org/zap"
)

// Kind classifies an alert.
type Kind string

const (
	KindJournalStuck   Kind = "journal_stuck"
	KindChainFailure   Kind = "chain_verification_failure"
	KindAnchorMismatch Kind = "anchor_mismatch"
)

// Alert is one operator-facing incident.
type Alert struct {
	Kind    Kind
	Tenant  string
	Message string
	// Fields carries incident specifics (sequence numbers, entry ids).
	Fields map[string]any
}

// Notifier receives alerts. Implementations must not block the caller for
// long; dispatch to external channels happens behind this interface.
type Notifier interface {
	Notify(ctx context.Context, a Alert)
}

// LogNotifier writes alerts to the structured log at error level. It is the
// shipped implementation; external dispatchers plug in behind Notifier.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier returns a Notifier logging through logger.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("alert")}
}

func (n *LogNotifier) Notify(_ context.Context, a Alert) {
	fields := make([]zap.Field, 0, len(a.Fields)+2)
	fields = append(fields,
		zap.String("kind", string(a.Kind)),
		zap.String("tenant", a.Tenant),
	)
	for k, v := range a.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	n.logger.Error(a.Message, fields...)
}

// NopNotifier discards alerts; used by tools that only read state.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Alert) {}
