package upload

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"retouch/internal/domain"
	"retouch/internal/infra"
)

// DefaultMaxFiles caps a batch client-side. Overflow files are dropped with
// a notice; this is a UX guard, not a backend contract.
const DefaultMaxFiles = 10

// Backend is the slice of the API surface the coordinator needs.
type Backend interface {
	UploadURLs(ctx context.Context, sku string, files []domain.FileDescriptor) ([]domain.UploadTarget, error)
	Transfer(ctx context.Context, target domain.UploadTarget, data []byte, mime string) error
	UploadMultipart(ctx context.Context, sku string, files []domain.LocalFile) ([]domain.UploadedItem, error)
}

// Options configures the coordinator.
type Options struct {
	Backend     Backend
	Logger      *infra.Logger
	MaxFiles    int
	Concurrency int
}

// Coordinator moves local file bytes to remote storage with a two-tier
// strategy: presigned direct PUTs first, one multipart resubmission of the
// whole batch when any direct transfer fails.
type Coordinator struct {
	backend     Backend
	logger      *infra.Logger
	maxFiles    int
	concurrency int
}

// BatchResult reports the outcome of one batch upload. All keys come from
// the same storage tier.
type BatchResult struct {
	Items    []domain.UploadedItem
	Dropped  []string
	Fallback bool
}

// New constructs a coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Backend == nil {
		return nil, errors.New("upload: backend is required")
	}
	maxFiles := opts.MaxFiles
	if maxFiles <= 0 {
		maxFiles = DefaultMaxFiles
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = maxFiles
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Coordinator{backend: opts.Backend, logger: logger, maxFiles: maxFiles, concurrency: concurrency}, nil
}

// UploadBatch is the public entry point: it returns exactly one key/name
// pair per accepted input file, matched by filename.
func (c *Coordinator) UploadBatch(ctx context.Context, sku string, files []domain.LocalFile) (*BatchResult, error) {
	if sku == "" {
		return nil, &domain.ValidationError{Reason: "sku code is required"}
	}
	if len(files) == 0 {
		return nil, &domain.ValidationError{Reason: "at least one file is required"}
	}

	result := &BatchResult{}
	if len(files) > c.maxFiles {
		for _, f := range files[c.maxFiles:] {
			result.Dropped = append(result.Dropped, f.Name)
		}
		files = files[:c.maxFiles]
		c.logger.Warn().
			Int("limit", c.maxFiles).
			Strs("dropped", result.Dropped).
			Msg("upload: batch over file limit, extras dropped")
	}

	items, tierErr := c.direct(ctx, sku, files)
	if tierErr == nil {
		result.Items = items
		return result, nil
	}
	c.logger.Warn().Err(tierErr).Str("sku", sku).Msg("upload: direct transfer failed, falling back to multipart")

	items, err := c.backend.UploadMultipart(ctx, sku, files)
	if err != nil {
		return nil, &domain.UploadError{Cause: errors.Join(tierErr, err)}
	}
	items, err = pairByName(files, items)
	if err != nil {
		return nil, &domain.UploadError{Cause: errors.Join(tierErr, err)}
	}
	result.Items = items
	result.Fallback = true
	return result, nil
}

// direct is tier 1: one destination request for the whole batch, then every
// transfer concurrently. Any failure abandons the tier for the entire batch
// so that all registered keys come from a single storage tier.
func (c *Coordinator) direct(ctx context.Context, sku string, files []domain.LocalFile) ([]domain.UploadedItem, error) {
	descriptors := make([]domain.FileDescriptor, len(files))
	for i, f := range files {
		descriptors[i] = f.Descriptor()
	}
	targets, err := c.backend.UploadURLs(ctx, sku, descriptors)
	if err != nil {
		return nil, fmt.Errorf("upload: request destinations: %w", err)
	}
	byName := make(map[string]domain.UploadTarget, len(targets))
	for _, t := range targets {
		byName[t.Name] = t
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, f := range files {
		f := f
		target, ok := byName[f.Name]
		if !ok {
			return nil, fmt.Errorf("upload: no destination for %s", f.Name)
		}
		g.Go(func() error {
			if err := c.backend.Transfer(gctx, target, f.Data, f.Descriptor().Type); err != nil {
				return &domain.TransferError{Name: f.Name, Cause: err}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	items := make([]domain.UploadedItem, len(files))
	for i, f := range files {
		items[i] = domain.UploadedItem{Key: byName[f.Name].Key, Name: f.Name}
	}
	return items, nil
}

// pairByName reorders backend items to match the input batch and verifies
// every file got a key.
func pairByName(files []domain.LocalFile, items []domain.UploadedItem) ([]domain.UploadedItem, error) {
	byName := make(map[string]domain.UploadedItem, len(items))
	for _, it := range items {
		byName[it.Name] = it
	}
	out := make([]domain.UploadedItem, len(files))
	for i, f := range files {
		it, ok := byName[f.Name]
		if !ok {
			return nil, fmt.Errorf("upload: backend returned no key for %s", f.Name)
		}
		out[i] = it
	}
	return out, nil
}
