package watch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"retouch/internal/domain"
	"retouch/internal/watch"
)

func fastWatcher(duration time.Duration) *watch.Watcher {
	return watch.New(watch.Options{Duration: duration, Interval: 5 * time.Millisecond})
}

func viewWith(frame domain.Frame) *domain.SkuView {
	return &domain.SkuView{
		Sku:    domain.SkuInfo{Code: "DEMO-1"},
		Frames: []domain.Frame{frame},
	}
}

func TestSessionFindsNewVersion(t *testing.T) {
	w := fastWatcher(time.Second)

	var mu sync.Mutex
	calls := 0
	refresh := func(ctx context.Context) (*domain.SkuView, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		fr := domain.Frame{ID: 7, Status: domain.StatusGenerating}
		if n >= 3 {
			fr.Versions = []domain.OutputSet{{"v1.png"}}
		}
		return viewWith(fr), nil
	}

	session := w.Start(context.Background(), 7, 0, refresh, nil)
	state, frame, err := session.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if state != watch.StateFound {
		t.Fatalf("state = %q, want found", state)
	}
	if frame == nil || frame.VersionCount() != 1 {
		t.Fatalf("frame snapshot = %+v, want one version", frame)
	}
	mu.Lock()
	n := calls
	mu.Unlock()
	if n != 3 {
		t.Fatalf("refresh calls = %d, want exactly 3", n)
	}
}

func TestSessionFindsTerminalStatusWithoutNewVersion(t *testing.T) {
	w := fastWatcher(time.Second)

	refresh := func(ctx context.Context) (*domain.SkuView, error) {
		return viewWith(domain.Frame{ID: 7, Status: domain.StatusDone}), nil
	}
	session := w.Start(context.Background(), 7, 0, refresh, nil)
	state, frame, err := session.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if state != watch.StateFound {
		t.Fatalf("state = %q, want found", state)
	}
	if frame.Status != domain.StatusDone {
		t.Fatalf("status = %q, want done", frame.Status)
	}
}

func TestSessionTimesOutWhenNothingChanges(t *testing.T) {
	w := fastWatcher(30 * time.Millisecond)

	refresh := func(ctx context.Context) (*domain.SkuView, error) {
		return viewWith(domain.Frame{ID: 7, Status: domain.StatusGenerating}), nil
	}
	session := w.Start(context.Background(), 7, 0, refresh, nil)
	state, frame, err := session.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if state != watch.StateTimedOut {
		t.Fatalf("state = %q, want timed_out", state)
	}
	if frame != nil {
		t.Fatalf("timed out session carries frame %+v", frame)
	}
}

func TestSessionSwallowsTransientRefreshErrors(t *testing.T) {
	w := fastWatcher(time.Second)

	var mu sync.Mutex
	calls := 0
	refresh := func(ctx context.Context) (*domain.SkuView, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n <= 2 {
			return nil, errors.New("backend unavailable")
		}
		return viewWith(domain.Frame{ID: 7, Status: domain.StatusDone}), nil
	}
	session := w.Start(context.Background(), 7, 0, refresh, nil)
	state, _, err := session.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if state != watch.StateFound {
		t.Fatalf("state = %q, want found after transient errors", state)
	}
}

func TestSessionKeepsPollingWhenFrameMissingFromView(t *testing.T) {
	w := fastWatcher(time.Second)

	var mu sync.Mutex
	calls := 0
	refresh := func(ctx context.Context) (*domain.SkuView, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n <= 2 {
			return viewWith(domain.Frame{ID: 99, Status: domain.StatusDone}), nil
		}
		return viewWith(domain.Frame{ID: 7, Status: domain.StatusDone}), nil
	}
	session := w.Start(context.Background(), 7, 0, refresh, nil)
	state, frame, err := session.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if state != watch.StateFound || frame.ID != 7 {
		t.Fatalf("state = %q frame = %+v, want found for frame 7", state, frame)
	}
}

func TestCancellationStopsSessionWithoutTerminalState(t *testing.T) {
	w := fastWatcher(time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	calls := 0
	refresh := func(ctx context.Context) (*domain.SkuView, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return viewWith(domain.Frame{ID: 7, Status: domain.StatusGenerating}), nil
	}
	session := w.Start(ctx, 7, 0, refresh, nil)
	time.Sleep(15 * time.Millisecond)
	cancel()

	state, _, err := session.Wait(context.Background())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait error = %v, want context.Canceled", err)
	}
	if state == watch.StateFound || state == watch.StateTimedOut {
		t.Fatalf("state = %q, cancellation must not fabricate an outcome", state)
	}

	mu.Lock()
	after := calls
	mu.Unlock()
	time.Sleep(25 * time.Millisecond)
	mu.Lock()
	later := calls
	mu.Unlock()
	if later != after {
		t.Fatalf("refresh kept running after cancellation: %d -> %d", after, later)
	}
}

func TestOnFrameReceivesEveryObservation(t *testing.T) {
	w := fastWatcher(time.Second)

	var mu sync.Mutex
	calls := 0
	refresh := func(ctx context.Context) (*domain.SkuView, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		fr := domain.Frame{ID: 7, Status: domain.StatusGenerating}
		if n >= 2 {
			fr.Status = domain.StatusDone
		}
		return viewWith(fr), nil
	}

	var seen []domain.GenerationStatus
	onFrame := func(frame domain.Frame) {
		mu.Lock()
		seen = append(seen, frame.Status)
		mu.Unlock()
	}
	session := w.Start(context.Background(), 7, 0, refresh, onFrame)
	if _, _, err := session.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("observations = %v, want one per successful tick", seen)
	}
	if seen[0] != domain.StatusGenerating || seen[1] != domain.StatusDone {
		t.Fatalf("observations = %v", seen)
	}
}

func TestSessionBaselineAndDeadlineAreRecorded(t *testing.T) {
	w := watch.New(watch.Options{})
	refresh := func(ctx context.Context) (*domain.SkuView, error) {
		return viewWith(domain.Frame{ID: 7, Status: domain.StatusDone}), nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	session := w.Start(ctx, 7, 4, refresh, nil)
	if session.FrameID != 7 || session.Baseline != 4 {
		t.Fatalf("session identity = frame %d baseline %d", session.FrameID, session.Baseline)
	}
	got := session.Deadline.Sub(session.StartedAt)
	if got != watch.DefaultDuration {
		t.Fatalf("deadline window = %v, want %v", got, watch.DefaultDuration)
	}
	if session.ID == "" {
		t.Fatalf("session has no id")
	}
	cancel()
	<-session.Done()
}
