package config

import (
	"time"

	"github.com/go-i2p/go-duplex/lib/dedup"
	"github.com/go-i2p/go-duplex/lib/wire"
)

// RetryConfig bounds an exponential backoff loop.
type RetryConfig struct {
	// InitialDelay is the wait after the first failure; it doubles per attempt.
	InitialDelay time.Duration
	// MaxDelay caps the wait between two attempts.
	MaxDelay time.Duration
	// MaxAttempts is the retry budget. Zero or less means a single attempt.
	MaxAttempts int
}

// SessionConfig holds the tunables of a duplex session.
type SessionConfig struct {
	// RouteRetry governs route allocation and advertisement publishing.
	// Exhausting it is fatal for the session (route exhausted).
	RouteRetry RetryConfig
	// SendRetry governs delivery of one envelope before the peer is
	// reported unreachable.
	SendRetry RetryConfig
	// LookupRetry governs the client's initial lookup of the host record.
	LookupRetry RetryConfig

	// LookupInterval is the minimum spacing between two directory lookups
	// made to refresh the remote advertisement; LookupBurst allows short bursts.
	LookupInterval time.Duration
	LookupBurst    int

	// SendFailureThreshold is the number of consecutive unreachable-peer
	// failures after which the local route is considered broken and replaced.
	SendFailureThreshold int

	// Duplicate suppression window.
	DedupMaxEntries int
	DedupRetention  time.Duration

	// MaxEnvelopeSize caps encoded envelopes in both directions.
	MaxEnvelopeSize int

	// OperationTimeout bounds a single overlay call (allocate, publish, lookup, send).
	OperationTimeout time.Duration
	// ReleaseTimeout bounds route release during teardown.
	ReleaseTimeout time.Duration

	// Nickname is only used in logs.
	Nickname string
}

// DefaultSessionConfig returns a SessionConfig with sensible defaults.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		RouteRetry: RetryConfig{
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     30 * time.Second,
			MaxAttempts:  8,
		},
		SendRetry: RetryConfig{
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			MaxAttempts:  16,
		},
		LookupRetry: RetryConfig{
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			MaxAttempts:  20,
		},
		LookupInterval:       250 * time.Millisecond,
		LookupBurst:          2,
		SendFailureThreshold: 3,
		DedupMaxEntries:      dedup.DefaultMaxEntries,
		DedupRetention:       dedup.DefaultRetention,
		MaxEnvelopeSize:      wire.MaxEnvelopeSize,
		OperationTimeout:     30 * time.Second,
		ReleaseTimeout:       5 * time.Second,
	}
}

// Clone returns a copy that can be modified without affecting c.
func (c *SessionConfig) Clone() *SessionConfig {
	cp := *c
	return &cp
}
