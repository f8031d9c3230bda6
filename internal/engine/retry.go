package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// maxBackoffShift keeps 2^(n-1) from overflowing time.Duration.
const maxBackoffShift = 30

// IdempotencyKey identifies one attempt of one step within one run.
func IdempotencyKey(flowRunID, stepID string, retryCount int) string {
	sum := sha256.Sum256([]byte(flowRunID + "|" + stepID + "|" + strconv.Itoa(retryCount)))
	return hex.EncodeToString(sum[:])
}

// ComputeBackoff returns the delay before attempt retryCount (1-based):
// base * 2^(retryCount-1). The first attempt never waits.
func ComputeBackoff(base time.Duration, retryCount int) time.Duration {
	if base <= 0 || retryCount <= 0 {
		return 0
	}
	shift := retryCount - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return base * time.Duration(1<<shift)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// WaitForBackoff sleeps for delay or returns early if ctx is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
