package state_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"retouch/internal/api"
	"retouch/internal/domain"
	"retouch/internal/state"
	"retouch/internal/upload"
	"retouch/internal/watch"
)

// fakeBackend gives the tests synchronous control over view contents and
// redo side effects, which an HTTP fixture cannot time precisely.
type fakeBackend struct {
	mu        sync.Mutex
	sku       domain.SkuInfo
	frames    []domain.Frame
	onRedo    func(frameID int64)
	redoErr   error
	deleteErr error
	doneErr   error

	submits []api.SubmitRequest
	redos   []int64
	deletes []int64
}

func newFakeBackend(frames ...domain.Frame) *fakeBackend {
	return &fakeBackend{
		sku:    domain.SkuInfo{Code: "DEMO-1"},
		frames: frames,
	}
}

func (f *fakeBackend) SkuView(ctx context.Context, code string) (*domain.SkuView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	frames := make([]domain.Frame, len(f.frames))
	for i := range f.frames {
		frames[i] = f.frames[i].Clone()
	}
	return &domain.SkuView{Sku: f.sku, Frames: frames}, nil
}

func (f *fakeBackend) Submit(ctx context.Context, sku string, req api.SubmitRequest) (*api.SubmitResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, req)
	var ids []int64
	for range req.Items {
		id := int64(len(f.frames) + 1)
		f.frames = append(f.frames, domain.Frame{ID: id, Seq: len(f.frames) + 1, Status: domain.StatusQueued})
		ids = append(ids, id)
	}
	return &api.SubmitResponse{SkuID: 1, FrameIDs: ids, Queued: req.Enqueue}, nil
}

func (f *fakeBackend) Redo(ctx context.Context, frameID int64, params domain.GenerationParams) error {
	f.mu.Lock()
	f.redos = append(f.redos, frameID)
	err := f.redoErr
	hook := f.onRedo
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook(frameID)
	}
	return nil
}

func (f *fakeBackend) DeleteFrame(ctx context.Context, frameID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deletes = append(f.deletes, frameID)
	for i := range f.frames {
		if f.frames[i].ID == frameID {
			f.frames = append(f.frames[:i], f.frames[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeBackend) MarkDone(ctx context.Context, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.doneErr != nil {
		return f.doneErr
	}
	f.sku.IsDone = true
	return nil
}

func (f *fakeBackend) ExportURLs(ctx context.Context, code string) ([]api.ExportURL, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var urls []api.ExportURL
	for _, fr := range f.frames {
		for _, set := range fr.Versions {
			for _, u := range set {
				urls = append(urls, api.ExportURL{Name: u, URL: u})
			}
		}
	}
	return urls, nil
}

func (f *fakeBackend) ExportZip(ctx context.Context, code string) ([]byte, error) {
	return []byte("PK"), nil
}

func (f *fakeBackend) addVersion(frameID int64, outputs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.frames {
		if f.frames[i].ID == frameID {
			set := make(domain.OutputSet, outputs)
			for j := range set {
				set[j] = "v.png"
			}
			f.frames[i].Versions = append(f.frames[i].Versions, set)
			f.frames[i].Outputs = set
			f.frames[i].Status = domain.StatusDone
			return
		}
	}
}

type fakeUploader struct {
	batches [][]domain.LocalFile
}

func (f *fakeUploader) UploadBatch(ctx context.Context, sku string, files []domain.LocalFile) (*upload.BatchResult, error) {
	f.batches = append(f.batches, files)
	items := make([]domain.UploadedItem, len(files))
	for i, file := range files {
		items[i] = domain.UploadedItem{Key: "direct/" + sku + "/" + file.Name, Name: file.Name}
	}
	return &upload.BatchResult{Items: items}, nil
}

func newState(t *testing.T, backend *fakeBackend, uploads state.Uploader) *state.State {
	t.Helper()
	st, err := state.New(state.Options{
		Code:    "DEMO-1",
		Backend: backend,
		Uploads: uploads,
		Watcher: watch.New(watch.Options{Duration: time.Second, Interval: 5 * time.Millisecond}),
	})
	if err != nil {
		t.Fatalf("new state: %v", err)
	}
	t.Cleanup(st.StopWatches)
	return st
}

func TestReloadReplacesSnapshotWholesale(t *testing.T) {
	backend := newFakeBackend(
		domain.Frame{ID: 1, Seq: 1, Status: domain.StatusDone},
		domain.Frame{ID: 2, Seq: 2, Status: domain.StatusGenerating},
	)
	st := newState(t, backend, nil)
	if err := st.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	frames := st.Frames()
	if len(frames) != 2 || frames[0].ID != 1 || frames[1].ID != 2 {
		t.Fatalf("frames = %+v, want ids 1,2 in order", frames)
	}

	backend.mu.Lock()
	backend.frames = backend.frames[:1]
	backend.mu.Unlock()
	if err := st.Reload(context.Background()); err != nil {
		t.Fatalf("second Reload: %v", err)
	}
	if got := st.Frames(); len(got) != 1 {
		t.Fatalf("frames after reload = %d, want the dropped frame gone", len(got))
	}
	if _, ok := st.Frame(2); ok {
		t.Fatalf("frame 2 survived a wholesale reload")
	}
}

func TestUploadOriginalsSubmitsAndReloads(t *testing.T) {
	backend := newFakeBackend()
	uploads := &fakeUploader{}
	st := newState(t, backend, uploads)

	files := []domain.LocalFile{
		{Name: "a.jpg", MIME: "image/jpeg", Data: []byte{1}},
		{Name: "b.jpg", MIME: "image/jpeg", Data: []byte{2}},
	}
	resp, batch, err := st.UploadOriginals(context.Background(), files, state.SubmitOptions{Enqueue: true, Brand: "acme"})
	if err != nil {
		t.Fatalf("UploadOriginals: %v", err)
	}
	if len(resp.FrameIDs) != 2 || !resp.Queued {
		t.Fatalf("submit response = %+v", resp)
	}
	if len(batch.Items) != 2 {
		t.Fatalf("batch items = %d, want 2", len(batch.Items))
	}
	if len(backend.submits) != 1 || backend.submits[0].Brand != "acme" {
		t.Fatalf("submit request = %+v", backend.submits)
	}
	if got := st.Frames(); len(got) != 2 {
		t.Fatalf("frames after submit = %d, want reloaded snapshot", len(got))
	}
}

func TestRegenerateDetectsResultProducedDuringRedo(t *testing.T) {
	backend := newFakeBackend(domain.Frame{ID: 7, Seq: 1, Status: domain.StatusDone,
		Versions: []domain.OutputSet{{"v1.png"}}})
	// The backend finishes the job before the redo call even returns. The
	// baseline must have been captured first, or the new version would be
	// mistaken for the old one.
	backend.onRedo = func(frameID int64) { backend.addVersion(frameID, 1) }
	st := newState(t, backend, nil)
	if err := st.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	session, err := st.Regenerate(context.Background(), 7, domain.ParamPatch{})
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	if session.Baseline != 1 {
		t.Fatalf("baseline = %d, want the pre-redo version count", session.Baseline)
	}
	outcome, frame, err := session.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if outcome != watch.StateFound || frame.VersionCount() != 2 {
		t.Fatalf("outcome = %q versions = %d, want found with 2 versions", outcome, frame.VersionCount())
	}
}

func TestWatcherMergePreservesPendingEditsOnOtherFrames(t *testing.T) {
	backend := newFakeBackend(
		domain.Frame{ID: 1, Seq: 1, Status: domain.StatusGenerating},
		domain.Frame{ID: 2, Seq: 2, Status: domain.StatusGenerating},
	)
	st := newState(t, backend, nil)
	if err := st.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	prompt := "golden hour rim light"
	if err := st.SetPendingParams(2, domain.ParamPatch{Prompt: &prompt}); err != nil {
		t.Fatalf("SetPendingParams: %v", err)
	}
	steps := 48
	if err := st.SetPendingParams(1, domain.ParamPatch{NumInferenceSteps: &steps}); err != nil {
		t.Fatalf("SetPendingParams: %v", err)
	}

	session, err := st.Regenerate(context.Background(), 1, domain.ParamPatch{})
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	backend.addVersion(1, 1)
	if _, _, err := session.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	fr1, _ := st.Frame(1)
	if fr1.VersionCount() != 1 {
		t.Fatalf("watched frame not updated from tick: %+v", fr1)
	}
	if fr1.PendingParams.NumInferenceSteps != 48 {
		t.Fatalf("watched frame lost its pending edit: %+v", fr1.PendingParams)
	}
	fr2, _ := st.Frame(2)
	if fr2.PendingParams.Prompt != prompt {
		t.Fatalf("background tick clobbered frame 2's pending edit: %+v", fr2.PendingParams)
	}
}

func TestNewerSessionSupersedesOlder(t *testing.T) {
	backend := newFakeBackend(domain.Frame{ID: 7, Seq: 1, Status: domain.StatusGenerating})
	st := newState(t, backend, nil)
	if err := st.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	first, err := st.Regenerate(context.Background(), 7, domain.ParamPatch{})
	if err != nil {
		t.Fatalf("first Regenerate: %v", err)
	}
	second, err := st.Regenerate(context.Background(), 7, domain.ParamPatch{})
	if err != nil {
		t.Fatalf("second Regenerate: %v", err)
	}

	// The superseded session stops without fabricating an outcome.
	state1, _, err := first.Wait(context.Background())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("first session error = %v, want context.Canceled", err)
	}
	if state1 == watch.StateFound {
		t.Fatalf("superseded session reported found")
	}

	backend.addVersion(7, 1)
	outcome, _, err := second.Wait(context.Background())
	if err != nil {
		t.Fatalf("second Wait: %v", err)
	}
	if outcome != watch.StateFound {
		t.Fatalf("second session outcome = %q, want found", outcome)
	}
	if len(backend.redos) != 2 {
		t.Fatalf("redo calls = %d, want 2", len(backend.redos))
	}
}

func TestRegenerateFailureLeavesNoSession(t *testing.T) {
	backend := newFakeBackend(domain.Frame{ID: 7, Seq: 1, Status: domain.StatusDone})
	backend.redoErr = errors.New("model busy")
	st := newState(t, backend, nil)
	if err := st.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if _, err := st.Regenerate(context.Background(), 7, domain.ParamPatch{}); err == nil {
		t.Fatalf("expected redo failure to surface")
	}
	if _, err := st.Regenerate(context.Background(), 99, domain.ParamPatch{}); !errors.Is(err, domain.ErrFrameNotFound) {
		t.Fatalf("unknown frame error = %v", err)
	}
}

func TestDeleteFrameRemovesLocalCopyOnlyOnSuccess(t *testing.T) {
	backend := newFakeBackend(
		domain.Frame{ID: 1, Seq: 1},
		domain.Frame{ID: 2, Seq: 2},
	)
	st := newState(t, backend, nil)
	if err := st.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	backend.deleteErr = errors.New("frame locked")
	if err := st.DeleteFrame(context.Background(), 1); err == nil {
		t.Fatalf("expected delete failure to surface")
	}
	if _, ok := st.Frame(1); !ok {
		t.Fatalf("frame 1 removed locally despite backend failure")
	}

	backend.deleteErr = nil
	if err := st.DeleteFrame(context.Background(), 1); err != nil {
		t.Fatalf("DeleteFrame: %v", err)
	}
	frames := st.Frames()
	if len(frames) != 1 || frames[0].ID != 2 {
		t.Fatalf("frames after delete = %+v, want only frame 2", frames)
	}
}

func TestProgressCountsCompletedFrames(t *testing.T) {
	backend := newFakeBackend(
		domain.Frame{ID: 1, Seq: 1, Status: domain.StatusDone, Versions: []domain.OutputSet{{"v.png"}}},
		domain.Frame{ID: 2, Seq: 2, Status: domain.StatusGenerating},
	)
	st := newState(t, backend, nil)
	if got := st.Progress(); got != 0 {
		t.Fatalf("progress before reload = %v, want 0", got)
	}
	if err := st.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := st.Progress(); got != 50 {
		t.Fatalf("progress = %v, want 50", got)
	}
}

func TestExportPassthrough(t *testing.T) {
	backend := newFakeBackend(domain.Frame{ID: 1, Seq: 1})
	backend.addVersion(1, 2)
	st := newState(t, backend, nil)

	urls, err := st.ExportURLs(context.Background())
	if err != nil {
		t.Fatalf("ExportURLs: %v", err)
	}
	if len(urls) != 2 {
		t.Fatalf("export urls = %d, want 2", len(urls))
	}
	data, err := st.ExportZip(context.Background())
	if err != nil {
		t.Fatalf("ExportZip: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected archive bytes")
	}
}

func TestMarkDoneUpdatesLocalSku(t *testing.T) {
	backend := newFakeBackend(domain.Frame{ID: 1, Seq: 1})
	st := newState(t, backend, nil)
	if err := st.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	backend.doneErr = errors.New("unreviewed frames")
	if err := st.MarkDone(context.Background()); err == nil {
		t.Fatalf("expected mark-done failure to surface")
	}
	if st.Sku().IsDone {
		t.Fatalf("sku flagged done despite backend failure")
	}

	backend.doneErr = nil
	if err := st.MarkDone(context.Background()); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	if !st.Sku().IsDone {
		t.Fatalf("sku not flagged done")
	}
}
