package idem

import (
	"crypto/sha256"
	"encoding/hex"
)

const keyPrefix = "idem:"

// DeriveKey builds the default idempotency key. The queue name is folded in
// because producers can reuse job ids across queues; within one queue the
// same logical job must always derive the same key.
func DeriveKey(queue, jobID string) string {
	return keyPrefix + queue + ":" + jobID
}

// HashedKey is for producers that reuse ids across logically distinct
// operations: the payload participates in the key, so identical id + payload
// dedupes while a reused id with different work does not.
func HashedKey(jobID string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(jobID))
	h.Write(payload)
	return keyPrefix + hex.EncodeToString(h.Sum(nil))
}
