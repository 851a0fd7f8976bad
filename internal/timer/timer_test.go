package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOneShotFires(t *testing.T) {
	q := NewQueue()
	now := time.Unix(1000, 0)
	fired := false
	q.Add(now, 5*time.Second, func(time.Time) { fired = true })

	q.Run(now.Add(4 * time.Second))
	assert.False(t, fired, "should not fire before deadline")

	q.Run(now.Add(5 * time.Second))
	assert.True(t, fired)
	assert.Equal(t, 0, q.Len())
}

func TestPeriodicReEnqueues(t *testing.T) {
	q := NewQueue()
	now := time.Unix(2000, 0)
	count := 0
	q.AddPeriodic(now, time.Second, func(time.Time) { count++ })

	q.Run(now.Add(1 * time.Second))
	q.Run(now.Add(2 * time.Second))
	q.Run(now.Add(3 * time.Second))

	assert.Equal(t, 3, count)
	assert.Equal(t, 1, q.Len(), "periodic timer stays scheduled")
}

func TestCancelPreventsFiring(t *testing.T) {
	q := NewQueue()
	now := time.Unix(3000, 0)
	fired := false
	tm := q.Add(now, time.Second, func(time.Time) { fired = true })
	q.Cancel(tm)

	q.Run(now.Add(10 * time.Second))
	assert.False(t, fired)
}

func TestResetReseatsDeadline(t *testing.T) {
	q := NewQueue()
	now := time.Unix(4000, 0)
	fired := false
	tm := q.Add(now, time.Second, func(time.Time) { fired = true })

	q.ResetDelay(now, tm, 5*time.Second)
	q.Run(now.Add(2 * time.Second))
	assert.False(t, fired)
	q.Run(now.Add(5 * time.Second))
	assert.True(t, fired)
}

func TestNextDeadlineOrdersByNearest(t *testing.T) {
	q := NewQueue()
	now := time.Unix(5000, 0)
	q.Add(now, 10*time.Second, func(time.Time) {})
	q.Add(now, 2*time.Second, func(time.Time) {})
	q.Add(now, 30*time.Second, func(time.Time) {})

	d, ok := q.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, now.Add(2*time.Second), d)
}

func TestRunFiresAllExpiredInOrder(t *testing.T) {
	q := NewQueue()
	now := time.Unix(6000, 0)
	var order []int
	q.Add(now, 1*time.Second, func(time.Time) { order = append(order, 1) })
	q.Add(now, 2*time.Second, func(time.Time) { order = append(order, 2) })
	q.Add(now, 3*time.Second, func(time.Time) { order = append(order, 3) })

	q.Run(now.Add(10 * time.Second))
	assert.Equal(t, []int{1, 2, 3}, order)
}
