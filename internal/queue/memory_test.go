package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelex/internal/engine"
)

func testMsg(id string) engine.Message {
	return &engine.StartStageMessage{
		MessageHeader: engine.MessageHeader{
			ExecutionType: engine.ExecutionTypePipeline,
			ExecutionID:   "exec-1",
			Application:   "app",
		},
		StageID: id,
	}
}

func TestPollAck_RemovesMessage(t *testing.T) {
	clk := engine.NewFixedClock(time.Unix(0, 0))
	q := NewMemory(WithClock(clk))

	require.NoError(t, q.Push(testMsg("s1")))
	d, err := q.Poll()
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 1, d.Attempt)

	require.NoError(t, q.Ack(d.Token))
	assert.Equal(t, 0, q.Len())

	d, err = q.Poll()
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestPoll_VisibilityHidesLeasedMessage(t *testing.T) {
	clk := engine.NewFixedClock(time.Unix(0, 0))
	q := NewMemory(WithClock(clk), WithVisibilityTimeout(30*time.Second))

	require.NoError(t, q.Push(testMsg("s1")))
	d1, err := q.Poll()
	require.NoError(t, err)
	require.NotNil(t, d1)

	// Hidden from other consumers while the lease holds.
	d2, err := q.Poll()
	require.NoError(t, err)
	assert.Nil(t, d2)

	// Lease expiry redelivers the same message with a bumped attempt.
	clk.Advance(31 * time.Second)
	d3, err := q.Poll()
	require.NoError(t, err)
	require.NotNil(t, d3)
	assert.Equal(t, d1.Message, d3.Message)
	assert.Equal(t, 2, d3.Attempt)
}

func TestNack_ImmediateRedelivery(t *testing.T) {
	clk := engine.NewFixedClock(time.Unix(0, 0))
	q := NewMemory(WithClock(clk))

	require.NoError(t, q.Push(testMsg("s1")))
	d, err := q.Poll()
	require.NoError(t, err)
	require.NotNil(t, d)

	require.NoError(t, q.Nack(d.Token))
	d2, err := q.Poll()
	require.NoError(t, err)
	require.NotNil(t, d2)
	assert.Equal(t, 2, d2.Attempt)
}

func TestPushDelayed_HeldUntilDue(t *testing.T) {
	clk := engine.NewFixedClock(time.Unix(0, 0))
	q := NewMemory(WithClock(clk))

	require.NoError(t, q.PushDelayed(testMsg("s1"), 5*time.Second))
	d, err := q.Poll()
	require.NoError(t, err)
	assert.Nil(t, d)

	clk.Advance(5 * time.Second)
	d, err = q.Poll()
	require.NoError(t, err)
	assert.NotNil(t, d)
}

func TestPoll_DeadLettersAfterMaxAttempts(t *testing.T) {
	clk := engine.NewFixedClock(time.Unix(0, 0))
	q := NewMemory(WithClock(clk), WithVisibilityTimeout(time.Second), WithMaxAttempts(2))

	require.NoError(t, q.Push(testMsg("s1")))
	for i := 0; i < 2; i++ {
		d, err := q.Poll()
		require.NoError(t, err)
		require.NotNil(t, d)
		clk.Advance(2 * time.Second)
	}

	d, err := q.Poll()
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.Equal(t, 0, q.Len())

	dead := q.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, 2, dead[0].Attempts)
	assert.Contains(t, dead[0].Reason, "delivery attempts")
}

func TestAck_UnknownTokenIsNoError(t *testing.T) {
	q := NewMemory()
	assert.NoError(t, q.Ack("no-such-token"))
	assert.NoError(t, q.Nack("no-such-token"))
}
