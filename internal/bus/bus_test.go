package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOnEmitOrdering(t *testing.T) {
	b := New()
	var order []int

	b.On("evt", func(any) { order = append(order, 1) })
	b.On("evt", func(any) { order = append(order, 2) })
	b.On("evt", func(any) { order = append(order, 3) })

	b.Emit("evt", nil)
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestOnceFiresOnlyOnce(t *testing.T) {
	b := New()
	count := 0
	b.Once("evt", func(any) { count++ })

	b.Emit("evt", nil)
	b.Emit("evt", nil)

	assert.Equal(t, 1, count)
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	count := 0
	unsub := b.On("evt", func(any) { count++ })

	b.Emit("evt", nil)
	unsub()
	b.Emit("evt", nil)

	assert.Equal(t, 1, count)
}

func TestOffClearsKey(t *testing.T) {
	b := New()
	fired := false
	b.On("evt", func(any) { fired = true })
	b.Off("evt", nil)
	b.Emit("evt", nil)
	assert.False(t, fired)
}

func TestPayloadDelivered(t *testing.T) {
	b := New()
	var got any
	b.On("evt", func(p any) { got = p })
	b.Emit("evt", "hello")
	assert.Equal(t, "hello", got)
}

func TestLeakWarning(t *testing.T) {
	b := New()
	var warnedKey string
	var warnedCount int
	b.OnWarn = func(key string, count int) {
		warnedKey = key
		warnedCount = count
	}
	for i := 0; i < leakThreshold+1; i++ {
		b.On("evt", func(any) {})
	}
	assert.Equal(t, "evt", warnedKey)
	assert.Equal(t, leakThreshold+1, warnedCount)
}
