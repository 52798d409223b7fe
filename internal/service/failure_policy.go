package service

import (
	"errors"
	"math/rand"
	"sync"
)

// Operation names a payment sub-process action.
type Operation string

const (
	OperationCharge Operation = "charge"
	OperationRefund Operation = "refund"
)

// DefaultFailureRate is the share of simulated payment attempts that fail.
const DefaultFailureRate = 0.2

// ErrSimulatedFailure is the transient failure produced by RandomFailurePolicy.
var ErrSimulatedFailure = errors.New("a random error occurred")

// FailurePolicy decides the outcome of one charge or refund attempt.
// A nil error means the attempt succeeded.
type FailurePolicy interface {
	Attempt(paymentID string, op Operation) error
}

// FailurePolicyFunc adapts a function to FailurePolicy.
type FailurePolicyFunc func(paymentID string, op Operation) error

func (f FailurePolicyFunc) Attempt(paymentID string, op Operation) error {
	return f(paymentID, op)
}

// AlwaysSucceed never fails an attempt.
var AlwaysSucceed FailurePolicy = FailurePolicyFunc(func(string, Operation) error { return nil })

// RandomFailurePolicy fails attempts with a fixed probability.
type RandomFailurePolicy struct {
	mu   sync.Mutex
	rate float64
	rnd  *rand.Rand
}

// NewRandomFailurePolicy creates a policy failing roughly rate of all attempts
func NewRandomFailurePolicy(rate float64, seed int64) *RandomFailurePolicy {
	return &RandomFailurePolicy{
		rate: rate,
		rnd:  rand.New(rand.NewSource(seed)),
	}
}

func (p *RandomFailurePolicy) Attempt(string, Operation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rnd.Float64() < p.rate {
		return ErrSimulatedFailure
	}
	return nil
}
