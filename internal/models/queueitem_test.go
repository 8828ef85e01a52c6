package models_test

import (
	"testing"
	"time"

	"github.com/pulseproof/pulseproof/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestQueueItem_Score_PriorityOrdering(t *testing.T) {
	t.Parallel()

	at := time.Now()
	score := func(priority string) float64 {
		item := &models.QueueItem{Priority: priority, ScheduledFor: at}
		return item.Score()
	}

	urgent := score(models.PriorityUrgent)
	high := score(models.PriorityHigh)
	normal := score(models.PriorityNormal)
	low := score(models.PriorityLow)

	assert.Less(t, urgent, high)
	assert.Less(t, high, normal)
	assert.Less(t, normal, low)
}

func TestQueueItem_Score_FutureScheduleSortsLater(t *testing.T) {
	t.Parallel()

	now := time.Now()
	nowItem := &models.QueueItem{Priority: models.PriorityNormal, ScheduledFor: now}
	laterItem := &models.QueueItem{Priority: models.PriorityNormal, ScheduledFor: now.Add(time.Hour)}

	assert.Less(t, nowItem.Score(), laterItem.Score())
}

func TestQueueItem_ScheduledTimeFromScore(t *testing.T) {
	t.Parallel()

	at := time.Now().Truncate(time.Millisecond)
	for _, priority := range []string{models.PriorityUrgent, models.PriorityHigh, models.PriorityNormal, models.PriorityLow} {
		item := &models.QueueItem{Priority: priority, ScheduledFor: at}
		assert.WithinDuration(t, at, item.ScheduledTimeFromScore(item.Score()), time.Millisecond, priority)
	}
}

func TestPriorityWeight_UnknownDefaultsToNormal(t *testing.T) {
	t.Parallel()

	assert.Equal(t, models.PriorityWeight(models.PriorityNormal), models.PriorityWeight("unknown"))
}
