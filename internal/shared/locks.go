package shared

import "fmt"

// Advisory lock namespaces for pg_advisory_xact_lock(namespace, id).
const (
	LockNamespaceSupplierOrders int32 = 1001
	LockNamespaceVariantReorder int32 = 1002
)

// LedgerVerifyLockKey builds the redis key guarding the nightly replay sweep.
func LedgerVerifyLockKey() string {
	return "ledger:verify:lock"
}

// OutboxRelayLockKey builds the redis key guarding a single relay pass.
func OutboxRelayLockKey() string {
	return "notify:outbox:relay:lock"
}

// VariantCacheKey builds the redis key for a cached replay report.
func VariantCacheKey(variantID int64) string {
	return fmt.Sprintf("ledger:variant:%d:replay", variantID)
}
