package shared

import (
	"fmt"
	"time"
)

// Document prefixes for generated order numbers.
const (
	PrefixPurchaseOrder = "PO"
	PrefixReorder       = "RO"
)

// FormatOrderNumber renders PREFIX-YYYYMMDD-NNNNNN from a sequence value.
func FormatOrderNumber(prefix string, at time.Time, seq int64) string {
	return fmt.Sprintf("%s-%s-%06d", prefix, at.UTC().Format("20060102"), seq)
}
