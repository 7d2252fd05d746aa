package keys

// Package keys centralizes Redis key construction.
// It is kept in internal to avoid leaking key formats to public API.
// The hash tag keeps every CodeRelay key in one cluster slot so Lua scripts
// and transactions stay valid under Redis Cluster.

const prefix = "coderelay:{tasks}:"

// Task returns the HASH key holding one task record (fields: data, status, cb).
func Task(id string) string { return prefix + "task:" + id }

// ActionIndex is the HASH mapping actionId -> taskId.
func ActionIndex() string { return prefix + "index:action" }

// ApprovalIndex is the HASH mapping approvalEventId -> taskId.
func ApprovalIndex() string { return prefix + "index:approval" }

// Dedup returns the prompt-fingerprint reservation key. It carries the dedup
// window as its TTL; the value is the owning taskId.
func Dedup(fingerprint string) string { return prefix + "dedup:" + fingerprint }

// Open is the ZSET of non-terminal task IDs scored by last heartbeat (ms).
// The reconciler reads it to find zombie candidates.
func Open() string { return prefix + "open" }

// PendingWebhooks is the ZSET of undelivered signed callbacks scored by
// next-attempt time (ms).
func PendingWebhooks() string { return prefix + "webhooks:pending" }
