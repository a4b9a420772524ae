package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeFiresInDeadlineOrder(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	var fired []string
	c.AfterFunc(3*time.Second, func() { fired = append(fired, "c") })
	c.AfterFunc(1*time.Second, func() { fired = append(fired, "a") })
	stopped := c.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })
	require.True(t, stopped.Stop())

	c.Advance(2 * time.Second)
	assert.Equal(t, []string{"a"}, fired)
	assert.Equal(t, start.Add(2*time.Second), c.Now())

	c.Advance(time.Second)
	assert.Equal(t, []string{"a", "c"}, fired)
	assert.Equal(t, 0, c.Pending())
}

func TestFakeAfterChannel(t *testing.T) {
	t.Parallel()

	c := NewFake(time.Unix(0, 0))
	ch := c.After(time.Minute)

	select {
	case <-ch:
		t.Fatal("fired early")
	default:
	}

	c.Advance(time.Minute)
	select {
	case at := <-ch:
		assert.Equal(t, time.Unix(60, 0), at)
	default:
		t.Fatal("did not fire")
	}
}

func TestFakeTimerScheduledFromCallback(t *testing.T) {
	t.Parallel()

	c := NewFake(time.Unix(0, 0))
	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			c.AfterFunc(time.Second, tick)
		}
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(10 * time.Second)
	assert.Equal(t, 3, count)
}
