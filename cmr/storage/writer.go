package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/mariusoe/inspectIT-sub007/cmr/trees"
)

// Writer persists batches of evicted elements. Implementations must be safe
// for concurrent use; the queue calls Write from several workers.
type Writer interface {
	Write(ctx context.Context, batchID uuid.UUID, elements []*trees.Element) error
}

// WriterFunc adapts a function to Writer
type WriterFunc func(ctx context.Context, batchID uuid.UUID, elements []*trees.Element) error

func (f WriterFunc) Write(ctx context.Context, batchID uuid.UUID, elements []*trees.Element) error {
	return f(ctx, batchID, elements)
}
