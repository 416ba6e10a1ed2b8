package store

import "fmt"

// Redis key helpers for the Coordinator, mirroring
// control_plane/store/redis.go's lockKey/leaseKey helpers. Only
// ReplayGuardKey has a caller; LockService passes its own "leader/scheduler"
// key to the Coordinator, and leaderKey/namespaceBindingKey are unused.

func leaderKey(resourceID string) string {
	return fmt.Sprintf("hetuflow:leader:%s", resourceID)
}

func namespaceBindingKey(namespaceID string) string {
	return fmt.Sprintf("hetuflow:namespace:%s:owner", namespaceID)
}

// ReplayGuardKey is exported for gateway.ReplayGuard, the one caller outside
// this package.
func ReplayGuardKey(sessionID, messageID string) string {
	return fmt.Sprintf("hetuflow:replay:%s:%s", sessionID, messageID)
}

// advisoryLockKeys are fixed integers for Store.TryAdvisoryLock, shared by
// every server process so a lock taken by one is recognized by another.
// Nothing in this repository passes them to TryAdvisoryLock.
const (
	AdvisoryKeyTaskGenerator int64 = 0x68657475 // "hetu"
	AdvisoryKeyJanitor       int64 = 0x666c6f77 // "flow"
)
