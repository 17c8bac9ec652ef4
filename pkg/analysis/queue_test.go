package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lucid-vigil/vigil/pkg/model"
)

func TestQueue_TakeBatchOrdersByImportance(t *testing.T) {
	q := NewQueue(10)
	q.Offer(chain("a", model.SeverityLow, 0.5))
	q.Offer(chain("b", model.SeverityCritical, 0.1))
	q.Offer(chain("c", model.SeverityHigh, 0.9))
	q.Offer(chain("d", model.SeverityHigh, 0.2))

	batch := q.TakeBatch(3)
	ids := []string{batch[0].ID, batch[1].ID, batch[2].ID}
	assert.Equal(t, []string{"b", "c", "d"}, ids)
	assert.Equal(t, 1, q.Len())
	assert.Nil(t, q.TakeBatch(0))
}

func TestQueue_OfferSignalsReady(t *testing.T) {
	q := NewQueue(1)
	_, dropped := q.Offer(chain("a", model.SeverityLow, 0.5))
	assert.False(t, dropped)

	select {
	case <-q.Ready():
	default:
		t.Fatal("expected ready signal")
	}

	evicted, dropped := q.Offer(chain("b", model.SeverityLow, 0.1))
	assert.True(t, dropped)
	assert.Equal(t, "b", evicted.ID, "lower local score loses the tie on severity")
}
