package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelay_DoublesUntilCap(t *testing.T) {
	base := 30 * time.Second
	max := 300 * time.Second

	want := []time.Duration{
		30 * time.Second,
		60 * time.Second,
		120 * time.Second,
		240 * time.Second,
		300 * time.Second,
		300 * time.Second,
	}
	for attempt, w := range want {
		assert.Equal(t, w, Delay(attempt, base, max), "attempt %d", attempt)
	}
}

func TestDelay_NeverDecreases(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 0; attempt < 40; attempt++ {
		d := Delay(attempt, time.Second, 5*time.Minute)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
}

func TestJittered_BoundedSpread(t *testing.T) {
	base := 60 * time.Second
	for i := 0; i < 100; i++ {
		d := Jittered(base)
		assert.GreaterOrEqual(t, d, base)
		assert.LessOrEqual(t, d, base+base/4)
	}
}
