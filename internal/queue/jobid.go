// Package queue enqueues aggregation jobs under deterministic ids.
//
// The Postgres jobs table is the dedup authority: an id that already exists
// is reported as a duplicate and nothing new is scheduled. Kafka only carries
// the id to consumers, so a message may be lost or repeated without changing
// what gets applied.
package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/archslayer/flagbase111-sub003/internal/domain"
)

// ErrMissingLogIndex is returned when a chain event that can repeat within one
// transaction arrives without its receipt log index. Defaulting the index
// would make two distinct events collide on one job id.
var ErrMissingLogIndex = errors.New("chain event has no log index")

const requestHashLen = 32

// ChainJobID identifies one log of a transaction: tx:<hash>:<logIndex>:<type>.
func ChainJobID(txHash string, logIndex *uint64, eventType domain.EventType) (string, error) {
	if logIndex == nil {
		return "", fmt.Errorf("%w: %s in %s", ErrMissingLogIndex, eventType, txHash)
	}
	hash, err := domain.NormalizeTxHash(txHash)
	if err != nil {
		return "", err
	}
	return "tx:" + hash + ":" + strconv.FormatUint(*logIndex, 10) + ":" + string(eventType), nil
}

// SingularChainJobID identifies a transaction that emits at most one event of
// its kind: tx:<hash>.
func SingularChainJobID(txHash string) (string, error) {
	hash, err := domain.NormalizeTxHash(txHash)
	if err != nil {
		return "", err
	}
	return "tx:" + hash, nil
}

// JobIDForEvent picks the id form for the event type.
func JobIDForEvent(ev *domain.ChainEvent) (string, error) {
	if ev.Type.SingularPerTx() {
		return SingularChainJobID(ev.TxHash)
	}
	return ChainJobID(ev.TxHash, ev.LogIndex, ev.Type)
}

// RequestJobID derives req:<op>:<hash> from the caller, the operation and its
// parameters. Parameters are length-prefixed so ("ab","c") and ("a","bc")
// hash differently.
func RequestJobID(caller, operation string, params ...string) string {
	h := sha256.New()
	writeField(h, caller)
	writeField(h, operation)
	for _, p := range params {
		writeField(h, p)
	}
	return "req:" + operation + ":" + hex.EncodeToString(h.Sum(nil))[:requestHashLen]
}

// RequestJobIDFromKey reuses an idempotency key, so a retried request that
// slips past an expired record still lands on the same job.
func RequestJobIDFromKey(idempotencyKey, operation string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(idempotencyKey)))
	return "req:" + operation + ":" + hex.EncodeToString(sum[:])[:requestHashLen]
}

func writeField(w io.Writer, s string) {
	_, _ = w.Write([]byte(strconv.Itoa(len(s))))
	_, _ = w.Write([]byte{':'})
	_, _ = w.Write([]byte(s))
}
