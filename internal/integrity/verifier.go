// Package integrity verifies that persisted artifacts match expected
// fingerprints. The verifier is diagnostic only: it never drives shutdown
// control flow and never lets an internal failure escape as a hard error.
package integrity

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-lifecycle/internal/lifecycle"
)

// Method identifies the comparison strategy for a check.
type Method string

// Supported check methods.
const (
	MethodHash      Method = "hash"
	MethodSize      Method = "size"
	MethodTimestamp Method = "timestamp"
	MethodCustom    Method = "custom"
)

// Result classifies a completed check.
type Result string

// Check results.
const (
	ResultValid     Result = "valid"
	ResultInvalid   Result = "invalid"
	ResultCorrupted Result = "corrupted"
	ResultMissing   Result = "missing"
	ResultError     Result = "error"
)

// Check is the outcome of one verification.
type Check struct {
	Method   Method
	Result   Result
	Target   string
	Expected string
	Actual   string
	Message  string
	At       time.Time
}

// OK reports whether the check passed.
func (c Check) OK() bool {
	return c.Result == ResultValid
}

const (
	defaultHistoryLimit = 256
	defaultHistoryAge   = time.Hour
)

// Verifier runs fingerprint comparisons and keeps a bounded, time-pruned
// history of past checks for diagnostics.
type Verifier struct {
	hasher lifecycle.Hasher
	clock  lifecycle.Clock
	logger *zap.Logger

	mu           sync.Mutex
	history      []Check
	historyLimit int
	historyAge   time.Duration
}

// Option customizes a Verifier.
type Option func(*Verifier)

// WithHistory bounds the retained check history.
func WithHistory(limit int, maxAge time.Duration) Option {
	return func(v *Verifier) {
		if limit > 0 {
			v.historyLimit = limit
		}
		if maxAge > 0 {
			v.historyAge = maxAge
		}
	}
}

// New constructs a Verifier.
func New(hasher lifecycle.Hasher, clock lifecycle.Clock, logger *zap.Logger, opts ...Option) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := &Verifier{
		hasher:       hasher,
		clock:        clock,
		logger:       logger,
		historyLimit: defaultHistoryLimit,
		historyAge:   defaultHistoryAge,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VerifyFile checks a file on disk against an expected hash and/or size.
// A missing file yields ResultMissing, an unreadable one ResultCorrupted,
// and a mismatch ResultInvalid. Unexpected internal failures are reported
// as ResultError, never returned to the caller as an error.
func (v *Verifier) VerifyFile(path string, expectedHash string, expectedSize int64) Check {
	check := Check{Method: MethodHash, Target: path, Expected: expectedHash, At: v.clock.Now()}
	if expectedHash == "" {
		check.Method = MethodSize
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			check.Result = ResultMissing
			check.Message = "file does not exist"
		} else {
			check.Result = ResultError
			check.Message = fmt.Sprintf("stat: %v", err)
		}
		return v.record(check)
	}

	if expectedSize > 0 && info.Size() != expectedSize {
		check.Result = ResultInvalid
		check.Actual = fmt.Sprintf("%d", info.Size())
		check.Expected = fmt.Sprintf("%d", expectedSize)
		check.Method = MethodSize
		check.Message = "size mismatch"
		return v.record(check)
	}

	if expectedHash == "" {
		check.Result = ResultValid
		return v.record(check)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		check.Result = ResultCorrupted
		check.Message = fmt.Sprintf("read: %v", err)
		return v.record(check)
	}
	actual, err := v.hasher.Hash(data)
	if err != nil {
		check.Result = ResultError
		check.Message = fmt.Sprintf("hash: %v", err)
		return v.record(check)
	}
	check.Actual = actual
	if actual != expectedHash {
		check.Result = ResultInvalid
		check.Message = "hash mismatch"
	} else {
		check.Result = ResultValid
	}
	return v.record(check)
}

// VerifyData checks an in-memory payload against an expected hash.
func (v *Verifier) VerifyData(payload []byte, expectedHash string) Check {
	check := Check{Method: MethodHash, Expected: expectedHash, At: v.clock.Now()}
	actual, err := v.hasher.Hash(payload)
	if err != nil {
		check.Result = ResultError
		check.Message = fmt.Sprintf("hash: %v", err)
		return v.record(check)
	}
	check.Actual = actual
	switch {
	case expectedHash == "":
		check.Result = ResultValid
	case actual == expectedHash:
		check.Result = ResultValid
	default:
		check.Result = ResultInvalid
		check.Message = "hash mismatch"
	}
	return v.record(check)
}

// VerifyTimestamp checks that a file was modified at or after the floor.
func (v *Verifier) VerifyTimestamp(path string, notBefore time.Time) Check {
	check := Check{
		Method:   MethodTimestamp,
		Target:   path,
		Expected: notBefore.Format(time.RFC3339),
		At:       v.clock.Now(),
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			check.Result = ResultMissing
		} else {
			check.Result = ResultError
			check.Message = fmt.Sprintf("stat: %v", err)
		}
		return v.record(check)
	}
	check.Actual = info.ModTime().UTC().Format(time.RFC3339)
	if info.ModTime().Before(notBefore) {
		check.Result = ResultInvalid
		check.Message = "file older than expected"
	} else {
		check.Result = ResultValid
	}
	return v.record(check)
}

// Report records a caller-performed custom check, keeping it in the same
// diagnostic history as the built-in methods.
func (v *Verifier) Report(target string, result Result, message string) Check {
	return v.record(Check{
		Method:  MethodCustom,
		Target:  target,
		Result:  result,
		Message: message,
		At:      v.clock.Now(),
	})
}

// History returns a copy of the retained checks, oldest first.
func (v *Verifier) History() []Check {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pruneLocked()
	out := make([]Check, len(v.history))
	copy(out, v.history)
	return out
}

func (v *Verifier) record(check Check) Check {
	if !check.OK() {
		v.logger.Warn("integrity check failed",
			zap.String("target", check.Target),
			zap.String("method", string(check.Method)),
			zap.String("result", string(check.Result)),
			zap.String("message", check.Message),
		)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.history = append(v.history, check)
	v.pruneLocked()
	return check
}

func (v *Verifier) pruneLocked() {
	cutoff := v.clock.Now().Add(-v.historyAge)
	firstFresh := 0
	for firstFresh < len(v.history) && v.history[firstFresh].At.Before(cutoff) {
		firstFresh++
	}
	v.history = v.history[firstFresh:]
	if overflow := len(v.history) - v.historyLimit; overflow > 0 {
		v.history = v.history[overflow:]
	}
}
