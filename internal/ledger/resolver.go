package ledger

import (
	"context"
	"log/slog"
)

// ReferenceResolver describes one kind of referenced entity for display.
type ReferenceResolver interface {
	Describe(ctx context.Context, id int64) (string, error)
}

// ResolverFunc adapts a function to ReferenceResolver.
type ResolverFunc func(ctx context.Context, id int64) (string, error)

// Describe calls f.
func (f ResolverFunc) Describe(ctx context.Context, id int64) (string, error) {
	return f(ctx, id)
}

// Resolvers maps each reference kind to its resolver.
type Resolvers map[RefKind]ReferenceResolver

// HistoryView pairs a history row with a human readable reference label.
type HistoryView struct {
	History
	ReferenceLabel string `json:"reference_label"`
}

// Describe returns a label for ref, falling back to kind#id when the kind
// has no resolver or the entity is gone.
func (r Resolvers) Describe(ctx context.Context, ref Reference) string {
	resolver, ok := r[ref.Kind]
	if !ok || resolver == nil || ref.ID == 0 {
		return ref.String()
	}
	label, err := resolver.Describe(ctx, ref.ID)
	if err != nil || label == "" {
		if err != nil {
			slog.Default().Debug("resolve history reference", slog.String("ref", ref.String()), slog.Any("error", err))
		}
		return ref.String()
	}
	return label
}

// DescribeHistory labels each entry through the installed resolvers.
func (s *Service) DescribeHistory(ctx context.Context, entries []History) []HistoryView {
	views := make([]HistoryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, HistoryView{History: entry, ReferenceLabel: s.resolvers.Describe(ctx, entry.Reference)})
	}
	return views
}
