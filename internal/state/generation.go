package state

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"retouch/internal/api"
	"retouch/internal/domain"
	"retouch/internal/infra"
	"retouch/internal/upload"
	"retouch/internal/watch"
)

// Backend is the slice of the API surface the state owner drives.
type Backend interface {
	SkuView(ctx context.Context, code string) (*domain.SkuView, error)
	Submit(ctx context.Context, sku string, req api.SubmitRequest) (*api.SubmitResponse, error)
	Redo(ctx context.Context, frameID int64, params domain.GenerationParams) error
	DeleteFrame(ctx context.Context, frameID int64) error
	MarkDone(ctx context.Context, code string) error
	ExportURLs(ctx context.Context, code string) ([]api.ExportURL, error)
	ExportZip(ctx context.Context, code string) ([]byte, error)
}

// Uploader is satisfied by upload.Coordinator.
type Uploader interface {
	UploadBatch(ctx context.Context, sku string, files []domain.LocalFile) (*upload.BatchResult, error)
}

// SubmitOptions carries the batch-level fields of a submission.
type SubmitOptions struct {
	Enqueue   bool
	HeadID    *int64
	Brand     string
	HairStyle string
	HairColor string
	EyeColor  string
}

// Options configures a State.
type Options struct {
	Code    string
	Backend Backend
	Uploads Uploader
	Watcher *watch.Watcher
	Logger  *infra.Logger
}

// State owns the authoritative frame snapshot for one sku and mediates user
// actions into upload, submit, redo and watch calls. All writes are merged
// by frame id under one lock, so a background tick never clobbers an
// in-flight edit to another frame.
type State struct {
	code    string
	backend Backend
	uploads Uploader
	watcher *watch.Watcher
	logger  *infra.Logger

	mu       sync.Mutex
	sku      domain.SkuInfo
	order    []int64
	frames   map[int64]domain.Frame
	watchGen map[int64]uint64
	cancels  map[int64]context.CancelFunc
}

// New constructs a State for the sku code.
func New(opts Options) (*State, error) {
	if opts.Code == "" {
		return nil, &domain.ValidationError{Reason: "sku code is required"}
	}
	if opts.Backend == nil {
		return nil, errors.New("state: backend is required")
	}
	watcher := opts.Watcher
	if watcher == nil {
		watcher = watch.New(watch.Options{Logger: opts.Logger})
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &State{
		code:     opts.Code,
		backend:  opts.Backend,
		uploads:  opts.Uploads,
		watcher:  watcher,
		logger:   logger,
		frames:   make(map[int64]domain.Frame),
		watchGen: make(map[int64]uint64),
		cancels:  make(map[int64]context.CancelFunc),
	}, nil
}

// Code returns the sku code this state owns.
func (s *State) Code() string {
	return s.code
}

// Reload replaces the snapshot wholesale from the backend's view endpoint.
func (s *State) Reload(ctx context.Context) error {
	view, err := s.backend.SkuView(ctx, s.code)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sku = view.Sku
	s.order = s.order[:0]
	s.frames = make(map[int64]domain.Frame, len(view.Frames))
	for i := range view.Frames {
		fr := view.Frames[i].Clone()
		s.order = append(s.order, fr.ID)
		s.frames[fr.ID] = fr
	}
	return nil
}

// Sku returns the batch metadata.
func (s *State) Sku() domain.SkuInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sku
}

// Frames returns frame snapshots in sequence order.
func (s *State) Frames() []domain.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Frame, 0, len(s.order))
	for _, id := range s.order {
		if fr, ok := s.frames[id]; ok {
			out = append(out, fr.Clone())
		}
	}
	return out
}

// Frame returns a snapshot of one frame.
func (s *State) Frame(id int64) (domain.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fr, ok := s.frames[id]
	if !ok {
		return domain.Frame{}, false
	}
	return fr.Clone(), true
}

// Progress returns the share of frames with at least one completed version,
// as a percentage. Display only.
func (s *State) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return 0
	}
	done := 0
	for _, id := range s.order {
		fr := s.frames[id]
		if fr.Completed() {
			done++
		}
	}
	return float64(done) / float64(len(s.order)) * 100
}

// SetPendingParams merges a user edit into the frame's pending parameters.
func (s *State) SetPendingParams(frameID int64, patch domain.ParamPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fr, ok := s.frames[frameID]
	if !ok {
		return domain.ErrFrameNotFound
	}
	fr.PendingParams = fr.PendingParams.Apply(patch)
	s.frames[frameID] = fr
	return nil
}

// UploadOriginals pushes a batch of source photographs through the upload
// coordinator, registers them with the backend and reloads the snapshot.
func (s *State) UploadOriginals(ctx context.Context, files []domain.LocalFile, opts SubmitOptions) (*api.SubmitResponse, *upload.BatchResult, error) {
	if s.uploads == nil {
		return nil, nil, errors.New("state: no upload coordinator configured")
	}
	batch, err := s.uploads.UploadBatch(ctx, s.code, files)
	if err != nil {
		return nil, nil, err
	}
	resp, err := s.backend.Submit(ctx, s.code, api.SubmitRequest{
		Items:     batch.Items,
		Enqueue:   opts.Enqueue,
		HeadID:    opts.HeadID,
		Brand:     opts.Brand,
		HairStyle: opts.HairStyle,
		HairColor: opts.HairColor,
		EyeColor:  opts.EyeColor,
	})
	if err != nil {
		return nil, batch, err
	}
	if err := s.Reload(ctx); err != nil {
		s.logger.Warn().Err(err).Str("sku", s.code).Msg("state: reload after submit failed")
	}
	return resp, batch, nil
}

// Regenerate merges the patch into the frame's pending parameters, issues
// the redo request and starts a watch session. The baseline version count is
// captured before the redo call so a fast backend response is still detected
// as new. A fresh session for the same frame supersedes the previous one.
func (s *State) Regenerate(ctx context.Context, frameID int64, patch domain.ParamPatch) (*watch.Session, error) {
	s.mu.Lock()
	fr, ok := s.frames[frameID]
	if !ok {
		s.mu.Unlock()
		return nil, domain.ErrFrameNotFound
	}
	baseline := fr.VersionCount()
	fr.PendingParams = fr.PendingParams.Apply(patch)
	fr.Status = domain.StatusQueued
	s.frames[frameID] = fr
	params := fr.PendingParams
	s.mu.Unlock()

	if err := s.backend.Redo(ctx, frameID, params); err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.watchGen[frameID]++
	gen := s.watchGen[frameID]
	if prev, ok := s.cancels[frameID]; ok {
		prev()
	}
	s.cancels[frameID] = cancel
	s.mu.Unlock()

	session := s.watcher.Start(sctx, frameID, baseline, func(ctx context.Context) (*domain.SkuView, error) {
		return s.backend.SkuView(ctx, s.code)
	}, func(frame domain.Frame) {
		s.applyFrame(gen, frame)
	})
	go func() {
		<-session.Done()
		cancel()
	}()
	s.logger.Info().
		Int64("frame", frameID).
		Int("baseline", baseline).
		Str("session", session.ID).
		Msg("state: regeneration queued, watching")
	return session, nil
}

// applyFrame is the frame-id-keyed reducer for watcher ticks. Stale sessions
// (superseded by a newer one for the same frame) apply nothing, and the
// local pending-parameter edit survives background refreshes.
func (s *State) applyFrame(gen uint64, frame domain.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watchGen[frame.ID] != gen {
		return
	}
	current, ok := s.frames[frame.ID]
	if !ok {
		return
	}
	frame.PendingParams = current.PendingParams
	s.frames[frame.ID] = frame
}

// DeleteFrame asks the backend to delete the frame and removes the local
// copy only on confirmation.
func (s *State) DeleteFrame(ctx context.Context, frameID int64) error {
	if err := s.backend.DeleteFrame(ctx, frameID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.cancels[frameID]; ok {
		cancel()
		delete(s.cancels, frameID)
	}
	delete(s.frames, frameID)
	for i, id := range s.order {
		if id == frameID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// MarkDone flags the sku as reviewed.
func (s *State) MarkDone(ctx context.Context) error {
	if err := s.backend.MarkDone(ctx, s.code); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sku.IsDone = true
	return nil
}

// ExportURLs lists the sku's downloadable results.
func (s *State) ExportURLs(ctx context.Context) ([]api.ExportURL, error) {
	return s.backend.ExportURLs(ctx, s.code)
}

// ExportZip downloads the sku's packaged results.
func (s *State) ExportZip(ctx context.Context) ([]byte, error) {
	return s.backend.ExportZip(ctx, s.code)
}

// StopWatches cancels every active watch session.
func (s *State) StopWatches() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cancel := range s.cancels {
		cancel()
		delete(s.cancels, id)
	}
}
