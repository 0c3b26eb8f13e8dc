package budget

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func guardWith(threshold float64, readings ...float64) *CPUGuard {
	g := NewCPUGuard(threshold)
	i := 0
	g.sample = func(ctx context.Context) (float64, error) {
		v := readings[i%len(readings)]
		i++
		return v, nil
	}
	return g
}

func TestCPUGuardAveragesReadings(t *testing.T) {
	ctx := context.Background()
	g := guardWith(80, 95, 50, 50, 50, 50, 99, 99, 99, 99)

	want := []bool{
		true,  // [95]
		false, // 72.5
		false, // 65
		false, // 61.25
		false, // 59
		false, // [50 50 50 50 99] 59.8
		false, // 69.6
		false, // 79.4
		true,  // [50 99 99 99 99] 89.2
	}
	for i, w := range want {
		assert.Equal(t, w, g.Busy(ctx), "reading %d", i)
	}
}

func TestCPUGuardDisabled(t *testing.T) {
	g := guardWith(0, 100)
	assert.False(t, g.Busy(context.Background()))

	var nilGuard *CPUGuard
	assert.False(t, nilGuard.Busy(context.Background()))
}

func TestCPUGuardIgnoresSampleErrors(t *testing.T) {
	g := NewCPUGuard(10)
	g.sample = func(ctx context.Context) (float64, error) { return 0, errors.New("no /proc") }
	assert.False(t, g.Busy(context.Background()))
}
