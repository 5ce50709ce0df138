package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fleettrace/locship/internal/queue"
)

// Drainer removes all pending records of a family from its queue in one
// observable step and returns them as a validated Batch.
type Drainer struct {
	queues  queue.Store
	keys    map[Family]string
	metrics *Metrics
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewDrainer creates a Drainer over the given store. keys maps each family
// to its queue key (contract with producers).
func NewDrainer(queues queue.Store, keys map[Family]string, metrics *Metrics, logger *slog.Logger) *Drainer {
	return &Drainer{
		queues:  queues,
		keys:    keys,
		metrics: metrics,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// Drain atomically empties the family's queue, parses and validates every
// entry, and returns the accepted records in queue order. Rejected records
// are counted and dropped — the queue contract guarantees well-formed
// producers, and writing bad data back would loop forever. An empty queue
// yields an empty batch, which is a normal outcome.
func (d *Drainer) Drain(ctx context.Context, family Family) (*Batch, error) {
	key, ok := d.keys[family]
	if !ok {
		return nil, fmt.Errorf("pipeline: no queue key configured for family %q", family)
	}

	batch := &Batch{
		Family:       family,
		DrainedAt:    d.nowFunc().UTC(),
		ProcessingID: uuid.NewString(),
	}

	entries, err := d.queues.DrainAll(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("pipeline: draining %s: %w", family, err)
	}

	d.metrics.RecordsDrained.WithLabelValues(string(family)).Add(float64(len(entries)))

	for _, entry := range entries {
		record, valErr := ParseAndValidate(family, entry)
		if valErr != nil {
			batch.Rejected++

			reason, _ := IsRejection(valErr)
			d.metrics.RecordsRejected.WithLabelValues(string(family), reason).Inc()

			d.logger.Warn("record rejected",
				slog.String("family", string(family)),
				slog.String("reason", reason),
			)

			continue
		}

		batch.Records = append(batch.Records, record)
	}

	d.logger.Info("queue drained",
		slog.String("family", string(family)),
		slog.String("processing_id", batch.ProcessingID),
		slog.Int("accepted", len(batch.Records)),
		slog.Int("rejected", batch.Rejected),
	)

	return batch, nil
}
