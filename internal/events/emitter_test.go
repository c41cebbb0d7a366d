package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitterDeliversInRegistrationOrder(t *testing.T) {
	e := NewEmitter()

	var order []string
	e.On("trade", func(any) { order = append(order, "first") })
	e.On("trade", func(any) { order = append(order, "second") })
	e.On("other", func(any) { order = append(order, "wrong-event") })

	e.Emit("trade", nil)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestEmitterPayload(t *testing.T) {
	e := NewEmitter()

	var got any
	e.On("progress", func(p any) { got = p })
	e.Emit("progress", 42)
	assert.Equal(t, 42, got)
}

func TestEmitterUnsubscribe(t *testing.T) {
	e := NewEmitter()

	calls := 0
	off := e.On("added", func(any) { calls++ })
	e.Emit("added", nil)
	off()
	e.Emit("added", nil)

	assert.Equal(t, 1, calls)
	assert.Zero(t, e.HandlerCount("added"))
}

func TestEmitterNoSubscribers(t *testing.T) {
	e := NewEmitter()
	assert.NotPanics(t, func() { e.Emit("missing", "payload") })
}
