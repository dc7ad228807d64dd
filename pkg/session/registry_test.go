package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRejectsBlockedUserAgent(t *testing.T) {
	registry, engine, queue, _ := newTestRegistry(t)

	call := engine.SimulateIncoming("sip:friendly-scanner@1.2.3.4;agent=SipVicious")
	drainUntil(t, queue, func() bool {
		return call.HangupCode() != 0
	}, "blocked call was never rejected")

	assert.Equal(t, 403, call.HangupCode())
	assert.False(t, call.Answered())
	assert.Nil(t, registry.Lookup(call.ID()), "Rejected calls must not get a session")
	assert.Equal(t, 0, registry.ActiveCount())
}

func TestRegistryRejectsUnparseableIdentity(t *testing.T) {
	registry, engine, queue, _ := newTestRegistry(t)

	call := engine.SimulateIncoming("tel:+79991234567")
	drainUntil(t, queue, func() bool {
		return call.HangupCode() != 0
	}, "malformed call was never rejected")

	assert.Equal(t, 403, call.HangupCode())
	assert.Equal(t, 0, registry.ActiveCount())
}

func TestRegistryRejectsWrongDigitCount(t *testing.T) {
	registry, engine, queue, _ := newTestRegistry(t)

	call := engine.SimulateIncoming("sip:12345@example.com")
	drainUntil(t, queue, func() bool {
		return call.HangupCode() != 0
	}, "out-of-region call was never rejected")

	assert.Equal(t, 403, call.HangupCode())
	assert.Equal(t, 0, registry.ActiveCount())
}

func TestRegistryNormalizesCallerDigits(t *testing.T) {
	registry, engine, queue, _ := newTestRegistry(t)

	// Separators in the user part do not count against the digit policy
	call := engine.SimulateIncoming("sip:+7-999-123-45-67@example.com")
	drainUntil(t, queue, func() bool {
		session := registry.Lookup(call.ID())
		return session != nil && session.State() == StateStreaming
	}, "formatted caller was not admitted")

	assert.Equal(t, "79991234567", registry.Lookup(call.ID()).Caller())
}

func TestRegistryBusyGuardRejectsSecondCall(t *testing.T) {
	registry, engine, queue, recorder := newTestRegistry(t)

	first, session := startStreamingCall(t, registry, engine, queue, recorder)

	// Same caller again while the first call is mid-processing
	second := engine.SimulateIncoming(testCaller)
	drainUntil(t, queue, func() bool {
		return second.HangupCode() != 0
	}, "duplicate caller was never rejected")

	assert.Equal(t, 486, second.HangupCode())
	assert.Nil(t, registry.Lookup(second.ID()))

	// The first call is untouched by the rejection
	assert.Equal(t, StateStreaming, session.State())
	assert.Equal(t, 1, registry.ActiveCount())

	// Once the first call finalizes, the caller may ring again
	engine.SimulateRemoteHangup(first)
	drainUntil(t, queue, func() bool {
		return registry.ActiveCount() == 0
	}, "first call did not finalize")

	third := engine.SimulateIncoming(testCaller)
	drainUntil(t, queue, func() bool {
		return registry.Lookup(third.ID()) != nil
	}, "caller was not re-admitted after finalize")
	require.NotNil(t, registry.Lookup(third.ID()))
}
