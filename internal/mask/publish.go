package mask

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"retouch/internal/domain"
	"retouch/internal/infra"
	"retouch/internal/upload"
)

// Uploader persists mask bytes; satisfied by upload.Coordinator.
type Uploader interface {
	UploadBatch(ctx context.Context, sku string, files []domain.LocalFile) (*upload.BatchResult, error)
}

// Associator links an uploaded key to a frame; satisfied by api.Client.
type Associator interface {
	AssociateMask(ctx context.Context, frameID int64, key string) error
}

// Publisher saves an editor's buffer: binary encode, upload as a single-file
// batch scoped to the owning sku, then associate the key with the frame.
// Any failure leaves the previously associated mask untouched; there is no
// partial commit.
type Publisher struct {
	uploads Uploader
	backend Associator
	logger  *infra.Logger
}

// PublisherOptions configures a Publisher.
type PublisherOptions struct {
	Uploads Uploader
	Backend Associator
	Logger  *infra.Logger
}

// NewPublisher constructs a publisher.
func NewPublisher(opts PublisherOptions) (*Publisher, error) {
	if opts.Uploads == nil || opts.Backend == nil {
		return nil, fmt.Errorf("mask: uploader and backend are required")
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Publisher{uploads: opts.Uploads, backend: opts.Backend, logger: logger}, nil
}

// Publish commits the editor's current buffer as the frame's active mask and
// returns the storage key it was associated under.
func (p *Publisher) Publish(ctx context.Context, sku string, frameID int64, ed *Editor) (string, error) {
	data, err := ed.Encode()
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("mask_frame_%d.png", frameID)
	res, err := p.uploads.UploadBatch(ctx, sku, []domain.LocalFile{{Name: name, MIME: "image/png", Data: data}})
	if err != nil {
		return "", err
	}
	if len(res.Items) != 1 {
		return "", fmt.Errorf("mask: expected one uploaded item, got %d", len(res.Items))
	}
	key := res.Items[0].Key
	if err := p.backend.AssociateMask(ctx, frameID, key); err != nil {
		return "", &domain.AssociationError{FrameID: frameID, Cause: err}
	}
	p.logger.Info().Str("sku", sku).Int64("frame", frameID).Str("key", key).Msg("mask: published")
	return key, nil
}
