package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func TestFakeAfterFuncFiresInDeadlineOrder(t *testing.T) {
	c := Fake(epoch)
	var order []string
	c.AfterFunc(200*time.Millisecond, func() { order = append(order, "late") })
	c.AfterFunc(100*time.Millisecond, func() { order = append(order, "early") })

	c.Advance(50 * time.Millisecond)
	assert.Empty(t, order)

	c.Advance(200 * time.Millisecond)
	assert.Equal(t, []string{"early", "late"}, order)
	assert.Equal(t, 0, c.Pending())
}

func TestFakeTimerStopAndReset(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	timer := c.AfterFunc(100*time.Millisecond, func() { fired++ })

	c.Advance(90 * time.Millisecond)
	assert.True(t, timer.Reset(100*time.Millisecond), "timer was still pending")

	c.Advance(90 * time.Millisecond)
	assert.Equal(t, 0, fired, "reset pushes the deadline out")

	c.Advance(10 * time.Millisecond)
	assert.Equal(t, 1, fired)

	timer = c.AfterFunc(time.Second, func() { fired++ })
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	c.Advance(2 * time.Second)
	assert.Equal(t, 1, fired)
}

func TestFakeAfter(t *testing.T) {
	c := Fake(epoch)
	ch := c.After(time.Second)
	select {
	case <-ch:
		t.Fatal("fired before advance")
	default:
	}
	c.Advance(time.Second)
	got := <-ch
	require.Equal(t, epoch.Add(time.Second), got)
}

func TestWaitForTimers(t *testing.T) {
	c := Fake(epoch)
	done := make(chan struct{})
	go func() {
		<-c.After(time.Minute)
		close(done)
	}()
	c.WaitForTimers(1)
	c.Advance(time.Minute)
	<-done
}
