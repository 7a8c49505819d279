package shared

import "context"

// Transactor runs fn inside a single unit of work. Calls nested inside an
// active unit of work join it instead of opening a new one.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
