package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantmesh/grantmesh/pkg/models"
)

func queued(priority models.Priority, createdAt time.Time) *models.QueuedMessage {
	return &models.QueuedMessage{
		Message:   &models.Message{Type: models.MessageTypeSystemStatus},
		Priority:  priority,
		CreatedAt: createdAt,
	}
}

func TestPriorityQueue_OrdersByPriority(t *testing.T) {
	q := newPriorityQueue()
	now := time.Now()

	q.push(queued(models.PriorityLow, now))
	q.push(queued(models.PriorityCritical, now))
	q.push(queued(models.PriorityNormal, now))
	q.push(queued(models.PriorityHigh, now))

	var got []models.Priority
	for {
		qm, ok := q.pop()
		if !ok {
			break
		}
		got = append(got, qm.Priority)
	}
	assert.Equal(t, []models.Priority{
		models.PriorityCritical,
		models.PriorityHigh,
		models.PriorityNormal,
		models.PriorityLow,
	}, got)
}

func TestPriorityQueue_FIFOWithinPriority(t *testing.T) {
	q := newPriorityQueue()
	base := time.Now()

	first := queued(models.PriorityNormal, base)
	second := queued(models.PriorityNormal, base.Add(time.Millisecond))
	third := queued(models.PriorityNormal, base.Add(2*time.Millisecond))
	q.push(second)
	q.push(first)
	q.push(third)

	for _, want := range []*models.QueuedMessage{first, second, third} {
		qm, ok := q.pop()
		require.True(t, ok)
		assert.Same(t, want, qm)
	}
}

func TestPriorityQueue_ArrivalOrderBreaksTimestampTies(t *testing.T) {
	q := newPriorityQueue()
	now := time.Now()

	a := queued(models.PriorityHigh, now)
	b := queued(models.PriorityHigh, now)
	q.push(a)
	q.push(b)

	qm, ok := q.pop()
	require.True(t, ok)
	assert.Same(t, a, qm)
}

func TestPriorityQueue_CriticalOvertakesQueuedBacklog(t *testing.T) {
	q := newPriorityQueue()
	base := time.Now()

	for i := 0; i < 5; i++ {
		q.push(queued(models.PriorityNormal, base.Add(time.Duration(i)*time.Millisecond)))
	}
	critical := queued(models.PriorityCritical, base.Add(10*time.Millisecond))
	q.push(critical)

	qm, ok := q.pop()
	require.True(t, ok)
	assert.Same(t, critical, qm)
	assert.Equal(t, 5, q.len())
}

func TestPriorityQueue_RetryKeepsOriginalPosition(t *testing.T) {
	q := newPriorityQueue()
	base := time.Now()

	retried := queued(models.PriorityNormal, base)
	retried.RetryCount = 1
	newer := queued(models.PriorityNormal, base.Add(time.Second))

	q.push(newer)
	q.push(retried) // re-enqueue after a failed attempt

	qm, ok := q.pop()
	require.True(t, ok)
	assert.Same(t, retried, qm, "retry keeps its original created_at ordering")
}

func TestPriorityQueue_Snapshot(t *testing.T) {
	q := newPriorityQueue()
	q.push(queued(models.PriorityLow, time.Now()))
	q.push(queued(models.PriorityHigh, time.Now()))

	assert.Len(t, q.snapshot(), 2)
	assert.Equal(t, 2, q.len(), "snapshot does not drain the queue")
}
