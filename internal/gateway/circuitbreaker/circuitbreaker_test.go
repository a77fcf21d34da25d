package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreaker(t *testing.T) {
	cfg := Config{FailureThreshold: 3, OpenTimeout: 50 * time.Millisecond, HalfOpenSuccesses: 2}

	t.Run("opens after consecutive failures", func(t *testing.T) {
		b := New(cfg)
		for i := 0; i < 2; i++ {
			b.RecordFailure("push_payment")
			assert.True(t, b.Allow("push_payment"))
		}
		b.RecordFailure("push_payment")
		assert.Equal(t, Open, b.CurrentState("push_payment"))
		assert.False(t, b.Allow("push_payment"))
	})

	t.Run("success resets the failure streak", func(t *testing.T) {
		b := New(cfg)
		b.RecordFailure("push_payment")
		b.RecordFailure("push_payment")
		b.RecordSuccess("push_payment")
		b.RecordFailure("push_payment")
		b.RecordFailure("push_payment")
		assert.Equal(t, Closed, b.CurrentState("push_payment"))
	})

	t.Run("rails are independent", func(t *testing.T) {
		b := New(cfg)
		for i := 0; i < 3; i++ {
			b.RecordFailure("push_payment")
		}
		assert.False(t, b.Allow("push_payment"))
		assert.True(t, b.Allow("card_intent"))
	})

	t.Run("probes after the open timeout", func(t *testing.T) {
		b := New(cfg)
		for i := 0; i < 3; i++ {
			b.RecordFailure("push_payment")
		}
		assert.False(t, b.Allow("push_payment"))

		time.Sleep(cfg.OpenTimeout + 10*time.Millisecond)
		assert.True(t, b.Allow("push_payment"), "first call after the timeout is the probe")
		assert.Equal(t, HalfOpen, b.CurrentState("push_payment"))
	})

	t.Run("probe failure re-opens immediately", func(t *testing.T) {
		b := New(cfg)
		for i := 0; i < 3; i++ {
			b.RecordFailure("push_payment")
		}
		time.Sleep(cfg.OpenTimeout + 10*time.Millisecond)
		assert.True(t, b.Allow("push_payment"))
		b.RecordFailure("push_payment")
		assert.Equal(t, Open, b.CurrentState("push_payment"))
		assert.False(t, b.Allow("push_payment"))
	})

	t.Run("enough probe successes close the circuit", func(t *testing.T) {
		b := New(cfg)
		for i := 0; i < 3; i++ {
			b.RecordFailure("push_payment")
		}
		time.Sleep(cfg.OpenTimeout + 10*time.Millisecond)
		assert.True(t, b.Allow("push_payment"))
		b.RecordSuccess("push_payment")
		assert.Equal(t, HalfOpen, b.CurrentState("push_payment"))
		b.RecordSuccess("push_payment")
		assert.Equal(t, Closed, b.CurrentState("push_payment"))
	})

	t.Run("zero config gets defaults", func(t *testing.T) {
		b := New(Config{})
		for i := 0; i < 4; i++ {
			b.RecordFailure("x")
		}
		assert.Equal(t, Closed, b.CurrentState("x"))
		b.RecordFailure("x")
		assert.Equal(t, Open, b.CurrentState("x"))
	})
}
