package batch

import (
	"context"

	"github.com/pkg/errors"
	"github.com/viant/sqlite-cdc/changelog"
	"github.com/viant/sqlite-cdc/model"
)

// ErrMissingData is returned when a batch references changes no longer in
// the change log.
var ErrMissingData = errors.New("batch references missing changes")

// Extractor serializes a batch payload for the transport.
type Extractor interface {
	Extract(ctx context.Context, batch *model.Batch, changes []*model.ChangeRecord) error
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, batch *model.Batch, changes []*model.ChangeRecord) error

// Extract implements Extractor.
func (f ExtractorFunc) Extract(ctx context.Context, batch *model.Batch, changes []*model.ChangeRecord) error {
	return f(ctx, batch, changes)
}

// Extract re-reads the changes of batch from the change log in batch order
// and hands them to extractor.
func Extract(ctx context.Context, reader changelog.Reader, batch *model.Batch, extractor Extractor) error {
	records, err := reader.Fetch(ctx, batch.ChannelID, batch.DataIDs)
	if err != nil {
		return errors.Wrapf(err, "extract %s", batch.Key())
	}
	byID := make(map[uint64]*model.ChangeRecord, len(records))
	for _, record := range records {
		byID[record.ID] = record
	}
	changes := make([]*model.ChangeRecord, 0, len(batch.DataIDs))
	for _, id := range batch.DataIDs {
		record, ok := byID[id]
		if !ok {
			return errors.Wrapf(ErrMissingData, "batch %s change %d", batch.Key(), id)
		}
		changes = append(changes, record)
	}
	return extractor.Extract(ctx, batch, changes)
}
