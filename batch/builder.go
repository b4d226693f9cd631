package batch

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/viant/sqlite-cdc/engine"
	"github.com/viant/sqlite-cdc/metrics"
	"github.com/viant/sqlite-cdc/model"
)

// Builder accumulates routed changes of one channel into one open batch per
// node. All mutations are written through the caller's Querier; when the
// caller's transaction fails the Builder must be reloaded with Load.
type Builder struct {
	mu      sync.Mutex
	channel model.Channel
	store   *Store
	options Options
	logger  logrus.FieldLogger
	open    map[string]*model.Batch
}

// NewBuilder returns a builder for channel.
func NewBuilder(channel model.Channel, store *Store, options Options) *Builder {
	options.setDefault()
	return &Builder{
		channel: channel,
		store:   store,
		options: options,
		logger:  options.Logger.WithFields(logrus.Fields{"component": "batch_builder", "channel": channel.ID}),
		open:    map[string]*model.Batch{},
	}
}

// SetChannel replaces the channel thresholds used for subsequent changes.
func (b *Builder) SetChannel(channel model.Channel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channel = channel
}

// Accept appends change to the open batch of nodeID and returns the batches
// sealed as a result. A change whose id does not follow the open batch's
// last id, or that would push it past the byte limit, seals the open batch
// first; a single change larger than the byte limit gets a batch of its own.
func (b *Builder) Accept(ctx context.Context, q engine.Querier, change *model.ChangeRecord, nodeID string) ([]*model.Batch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	size := change.Size()
	var sealed []*model.Batch
	current := b.open[nodeID]
	if current != nil {
		reason := ""
		switch {
		case change.ID <= current.LastDataID():
			reason = metrics.SealOrder
		case b.channel.MaxBatchBytes > 0 && current.ByteCount+size > b.channel.MaxBatchBytes:
			reason = metrics.SealBytes
		}
		if reason != "" {
			if err := b.seal(ctx, q, current, reason); err != nil {
				return sealed, err
			}
			sealed = append(sealed, current)
			current = nil
		}
	}
	if current == nil {
		id, err := b.store.nextID(ctx, q)
		if err != nil {
			return sealed, err
		}
		current = &model.Batch{
			ID:         id,
			NodeID:     nodeID,
			ChannelID:  b.channel.ID,
			Status:     model.BatchNew,
			OriginalID: id,
			Attempt:    1,
			CreatedAt:  b.options.Clock.Now(),
		}
		if err := b.store.insert(ctx, q, current); err != nil {
			return sealed, err
		}
		b.open[nodeID] = current
	}
	if err := b.store.addEvent(ctx, q, current, change.ID, size); err != nil {
		return sealed, err
	}
	if reason := b.threshold(current); reason != "" {
		if err := b.seal(ctx, q, current, reason); err != nil {
			return sealed, err
		}
		sealed = append(sealed, current)
	}
	return sealed, nil
}

func (b *Builder) threshold(batch *model.Batch) string {
	if b.channel.MaxBatchRows > 0 && batch.RowCount >= b.channel.MaxBatchRows {
		return metrics.SealRows
	}
	if b.channel.MaxBatchBytes > 0 && batch.ByteCount >= b.channel.MaxBatchBytes {
		return metrics.SealBytes
	}
	return ""
}

func (b *Builder) seal(ctx context.Context, q engine.Querier, batch *model.Batch, reason string) error {
	if err := b.store.seal(ctx, q, batch, b.options.Clock.Now()); err != nil {
		return err
	}
	delete(b.open, batch.NodeID)
	b.options.Metric.AddSealed(b.channel.ID, reason, batch.RowCount)
	b.logger.WithFields(logrus.Fields{"batch_id": batch.ID, "node": batch.NodeID, "rows": batch.RowCount, "reason": reason}).
		Debug("sealed batch")
	return nil
}

// SealExpired seals open batches older than the channel's max wait.
func (b *Builder) SealExpired(ctx context.Context, q engine.Querier) ([]*model.Batch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.channel.MaxBatchWait <= 0 {
		return nil, nil
	}
	now := b.options.Clock.Now()
	var sealed []*model.Batch
	for _, batch := range b.sortedOpen() {
		if now.Sub(batch.CreatedAt) < b.channel.MaxBatchWait {
			continue
		}
		if err := b.seal(ctx, q, batch, metrics.SealWait); err != nil {
			return sealed, err
		}
		sealed = append(sealed, batch)
	}
	return sealed, nil
}

// Flush seals the open batch of nodeID, if any.
func (b *Builder) Flush(ctx context.Context, q engine.Querier, nodeID string) (*model.Batch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch := b.open[nodeID]
	if batch == nil {
		return nil, nil
	}
	if err := b.seal(ctx, q, batch, metrics.SealFlush); err != nil {
		return nil, err
	}
	return batch, nil
}

// FlushAll seals every open batch.
func (b *Builder) FlushAll(ctx context.Context, q engine.Querier) ([]*model.Batch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var sealed []*model.Batch
	for _, batch := range b.sortedOpen() {
		if err := b.seal(ctx, q, batch, metrics.SealFlush); err != nil {
			return sealed, err
		}
		sealed = append(sealed, batch)
	}
	return sealed, nil
}

// OpenBatches returns copies of the open batches ordered by node.
func (b *Builder) OpenBatches() []model.Batch {
	b.mu.Lock()
	defer b.mu.Unlock()
	var result []model.Batch
	for _, batch := range b.sortedOpen() {
		clone := *batch
		clone.DataIDs = append([]uint64(nil), batch.DataIDs...)
		result = append(result, clone)
	}
	return result
}

// Load restores open batches from NEW rows of the channel. If a node has
// more than one NEW batch, which only happens after an interrupted upgrade,
// the older ones are sealed.
func (b *Builder) Load(ctx context.Context, q engine.Querier) error {
	records, err := b.store.query(ctx, q, `channel_id = ? AND status = ? ORDER BY batch_id`, b.channel.ID, string(model.BatchNew))
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = map[string]*model.Batch{}
	for _, r := range records {
		batch := r.Batch
		if err := b.store.loadEvents(ctx, q, &batch); err != nil {
			return err
		}
		if previous := b.open[batch.NodeID]; previous != nil {
			if err := b.seal(ctx, q, previous, metrics.SealOrder); err != nil {
				return err
			}
		}
		b.open[batch.NodeID] = &batch
	}
	return nil
}

func (b *Builder) sortedOpen() []*model.Batch {
	result := make([]*model.Batch, 0, len(b.open))
	for _, batch := range b.open {
		result = append(result, batch)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].NodeID < result[j].NodeID })
	return result
}
