// Package backendtest provides an in-process fake of the generation backend
// for package tests: presigned-style direct PUTs, the multipart fallback
// path, frame registration, redo, mask association and the sku view, all
// backed by an in-memory store with failure knobs.
package backendtest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"strconv"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"retouch/internal/domain"
	"retouch/pkg/zip"
)

// RedoCall records one redo request.
type RedoCall struct {
	FrameID int64
	Params  domain.GenerationParams
}

type frame struct {
	id          int64
	seq         int
	name        string
	originalKey string
	maskKey     string
	status      domain.GenerationStatus
	versions    []domain.OutputSet
	pending     domain.GenerationParams
}

type sku struct {
	id     int64
	code   string
	isDone bool
	frames []*frame
}

// Backend is the fake. Failure knobs and hooks may be set before traffic
// flows; helper methods are safe to call concurrently with requests.
type Backend struct {
	mu        sync.Mutex
	baseURL   string
	router    chi.Router
	skus      map[string]*sku
	storage   map[string][]byte
	nextSku   int64
	nextFrame int64
	viewPolls map[string]int

	// FailPUT lists filenames whose direct PUT is rejected with a 500.
	FailPUT map[string]bool
	// FailMultipart makes the fallback upload path fail.
	FailMultipart bool
	// FailMask makes mask association fail with a 422.
	FailMask bool
	// OnView, when set, runs with the lock held before each view response
	// is built; tests use it to stage version bumps after N polls.
	OnView func(code string, polls int)

	// RedoCalls and PutKeys record observed traffic.
	RedoCalls []RedoCall
	PutKeys   []string
}

// New constructs an empty fake backend.
func New() *Backend {
	b := &Backend{
		skus:      make(map[string]*sku),
		storage:   make(map[string][]byte),
		viewPolls: make(map[string]int),
		FailPUT:   make(map[string]bool),
	}
	r := chi.NewRouter()
	r.Post("/skus/{sku}/upload-urls", b.uploadURLs)
	r.Put("/storage/*", b.storagePut)
	r.Get("/files/*", b.fileGet)
	r.Post("/skus/{sku}/upload", b.uploadMultipart)
	r.Post("/skus/{sku}/submit", b.submit)
	r.Get("/sku/by-code/{code}/view", b.view)
	r.Get("/sku/by-code/{code}/export-urls", b.exportURLs)
	r.Get("/sku/by-code/{code}/export.zip", b.exportZip)
	r.Post("/sku/by-code/{code}/done", b.done)
	r.Post("/frame/{id}/redo", b.redo)
	r.Post("/frame/{id}/mask", b.mask)
	r.Get("/frame/{id}/preview", b.preview)
	r.Delete("/frame/{id}", b.deleteFrame)
	b.router = r
	return b
}

// Start runs the fake on an httptest server and returns its base URL.
func Start(t *testing.T) (*Backend, string) {
	t.Helper()
	b := New()
	srv := httptest.NewServer(b.router)
	t.Cleanup(srv.Close)
	b.mu.Lock()
	b.baseURL = srv.URL
	b.mu.Unlock()
	return b, srv.URL
}

// CreateSku seeds a sku and returns its id.
func (b *Backend) CreateSku(code string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ensureSku(code).id
}

func (b *Backend) ensureSku(code string) *sku {
	if s, ok := b.skus[code]; ok {
		return s
	}
	b.nextSku++
	s := &sku{id: b.nextSku, code: code}
	b.skus[code] = s
	return s
}

// AddFrame seeds a registered frame and returns its id.
func (b *Backend) AddFrame(code, name string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.ensureSku(code)
	b.nextFrame++
	fr := &frame{
		id:          b.nextFrame,
		seq:         len(s.frames) + 1,
		name:        name,
		originalKey: "direct/" + code + "/" + name,
		status:      domain.StatusQueued,
		pending:     domain.DefaultGenerationParams(),
	}
	b.storage[fr.originalKey] = tinyPNG()
	s.frames = append(s.frames, fr)
	return fr.id
}

// AddVersion appends a generated output set to the frame and marks it done.
func (b *Backend) AddVersion(frameID int64, outputs int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fr := b.frameByID(frameID)
	if fr == nil {
		return
	}
	ver := len(fr.versions) + 1
	var set domain.OutputSet
	for i := 0; i < outputs; i++ {
		key := fmt.Sprintf("out/%d/v%d_%d.png", frameID, ver, i+1)
		b.storage[key] = tinyPNG()
		set = append(set, b.baseURL+"/files/"+key)
	}
	fr.versions = append(fr.versions, set)
	fr.status = domain.StatusDone
}

// SetStatus overrides a frame's status.
func (b *Backend) SetStatus(frameID int64, status domain.GenerationStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if fr := b.frameByID(frameID); fr != nil {
		fr.status = status
	}
}

// MaskKey returns the frame's associated mask key.
func (b *Backend) MaskKey(frameID int64) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if fr := b.frameByID(frameID); fr != nil {
		return fr.maskKey
	}
	return ""
}

// Stored returns the bytes written under a storage key.
func (b *Backend) Stored(key string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.storage[key]
	return data, ok
}

// ViewPolls reports how often the sku view was fetched.
func (b *Backend) ViewPolls(code string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.viewPolls[code]
}

// FrameIDs returns the frame ids of a sku in sequence order.
func (b *Backend) FrameIDs(code string) []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.skus[code]
	if !ok {
		return nil
	}
	ids := make([]int64, len(s.frames))
	for i, fr := range s.frames {
		ids[i] = fr.id
	}
	return ids
}

func (b *Backend) frameByID(id int64) *frame {
	for _, s := range b.skus {
		for _, fr := range s.frames {
			if fr.id == id {
				return fr
			}
		}
	}
	return nil
}

func (b *Backend) uploadURLs(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "sku")
	var req struct {
		Files []domain.FileDescriptor `json:"files"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, http.StatusBadRequest, "invalid payload")
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensureSku(code)
	items := make([]domain.UploadTarget, len(req.Files))
	for i, f := range req.Files {
		key := "direct/" + code + "/" + f.Name
		items[i] = domain.UploadTarget{
			Name:      f.Name,
			Key:       key,
			PutURL:    b.baseURL + "/storage/" + key,
			PublicURL: b.baseURL + "/files/" + key,
		}
	}
	respond(w, http.StatusOK, map[string]any{"items": items})
}

func (b *Backend) storagePut(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	name := path.Base(key)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		fail(w, http.StatusBadRequest, "read body")
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.PutKeys = append(b.PutKeys, key)
	if b.FailPUT[name] {
		fail(w, http.StatusInternalServerError, "storage rejected "+name)
		return
	}
	b.storage[key] = data
	w.WriteHeader(http.StatusOK)
}

func (b *Backend) fileGet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	b.mu.Lock()
	data, ok := b.storage[key]
	b.mu.Unlock()
	if !ok {
		fail(w, http.StatusNotFound, "no such object")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (b *Backend) uploadMultipart(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "sku")
	b.mu.Lock()
	failNow := b.FailMultipart
	b.mu.Unlock()
	if failNow {
		fail(w, http.StatusInternalServerError, "relay upload unavailable")
		return
	}
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		fail(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensureSku(code)
	var items []domain.UploadedItem
	for _, fh := range r.MultipartForm.File["files"] {
		f, err := fh.Open()
		if err != nil {
			fail(w, http.StatusBadRequest, "open part")
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			fail(w, http.StatusBadRequest, "read part")
			return
		}
		key := "relay/" + code + "/" + fh.Filename
		b.storage[key] = data
		items = append(items, domain.UploadedItem{Key: key, Name: fh.Filename})
	}
	respond(w, http.StatusOK, map[string]any{"items": items})
}

func (b *Backend) submit(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "sku")
	var req struct {
		Items   []domain.UploadedItem `json:"items"`
		Enqueue bool                  `json:"enqueue"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if len(req.Items) == 0 {
		fail(w, http.StatusUnprocessableEntity, "no items")
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.ensureSku(code)
	ids := make([]int64, 0, len(req.Items))
	for _, it := range req.Items {
		b.nextFrame++
		fr := &frame{
			id:          b.nextFrame,
			seq:         len(s.frames) + 1,
			name:        it.Name,
			originalKey: it.Key,
			status:      domain.StatusQueued,
			pending:     domain.DefaultGenerationParams(),
		}
		s.frames = append(s.frames, fr)
		ids = append(ids, fr.id)
	}
	respond(w, http.StatusOK, map[string]any{"sku_id": s.id, "frame_ids": ids, "queued": req.Enqueue})
}

func (b *Backend) view(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.skus[code]
	if !ok {
		fail(w, http.StatusNotFound, "sku not found")
		return
	}
	b.viewPolls[code]++
	if b.OnView != nil {
		b.OnView(code, b.viewPolls[code])
	}
	frames := make([]domain.Frame, len(s.frames))
	for i, fr := range s.frames {
		out := domain.Frame{
			ID:            fr.id,
			Seq:           fr.seq,
			OriginalURL:   b.baseURL + "/files/" + fr.originalKey,
			Status:        fr.status,
			PendingParams: fr.pending,
		}
		if fr.maskKey != "" {
			out.MaskURL = b.baseURL + "/files/" + fr.maskKey
		}
		for _, set := range fr.versions {
			out.Versions = append(out.Versions, append(domain.OutputSet(nil), set...))
		}
		if len(fr.versions) > 0 {
			out.Outputs = append(domain.OutputSet(nil), fr.versions[len(fr.versions)-1]...)
		}
		frames[i] = out
	}
	respond(w, http.StatusOK, domain.SkuView{
		Sku:    domain.SkuInfo{Code: s.code, IsDone: s.isDone},
		Frames: frames,
	})
}

func (b *Backend) redo(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		fail(w, http.StatusBadRequest, "invalid frame id")
		return
	}
	var params domain.GenerationParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		fail(w, http.StatusBadRequest, "invalid payload")
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	fr := b.frameByID(id)
	if fr == nil {
		fail(w, http.StatusNotFound, "frame not found")
		return
	}
	fr.status = domain.StatusGenerating
	fr.pending = params
	b.RedoCalls = append(b.RedoCalls, RedoCall{FrameID: id, Params: params})
	w.WriteHeader(http.StatusAccepted)
}

func (b *Backend) mask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		fail(w, http.StatusBadRequest, "invalid frame id")
		return
	}
	var req struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		fail(w, http.StatusBadRequest, "key required")
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailMask {
		fail(w, http.StatusUnprocessableEntity, "mask rejected")
		return
	}
	fr := b.frameByID(id)
	if fr == nil {
		fail(w, http.StatusNotFound, "frame not found")
		return
	}
	fr.maskKey = req.Key
	w.WriteHeader(http.StatusOK)
}

func (b *Backend) preview(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(tinyPNG())
}

func (b *Backend) deleteFrame(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		fail(w, http.StatusBadRequest, "invalid frame id")
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.skus {
		for i, fr := range s.frames {
			if fr.id == id {
				s.frames = append(s.frames[:i], s.frames[i+1:]...)
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
	}
	fail(w, http.StatusNotFound, "frame not found")
}

func (b *Backend) exportURLs(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.skus[code]
	if !ok {
		fail(w, http.StatusNotFound, "sku not found")
		return
	}
	var items []map[string]string
	for _, fr := range s.frames {
		for _, set := range fr.versions {
			for _, u := range set {
				items = append(items, map[string]string{"name": path.Base(u), "url": u})
			}
		}
	}
	respond(w, http.StatusOK, map[string]any{"items": items})
}

func (b *Backend) exportZip(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.skus[code]
	if !ok {
		fail(w, http.StatusNotFound, "sku not found")
		return
	}
	var assets []zip.Asset
	for _, fr := range s.frames {
		for _, set := range fr.versions {
			for _, u := range set {
				key := keyFromURL(u)
				if data, ok := b.storage[key]; ok {
					assets = append(assets, zip.Asset{Filename: key, MIME: "image/png", Data: data})
				}
			}
		}
	}
	w.Header().Set("Content-Type", "application/zip")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(zip.ArchiveAssets(assets))
}

func (b *Backend) done(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.skus[code]
	if !ok {
		fail(w, http.StatusNotFound, "sku not found")
		return
	}
	s.isDone = true
	w.WriteHeader(http.StatusOK)
}

func keyFromURL(u string) string {
	if i := bytes.Index([]byte(u), []byte("/files/")); i >= 0 {
		return u[i+len("/files/"):]
	}
	return u
}

func respond(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func fail(w http.ResponseWriter, code int, detail string) {
	respond(w, code, map[string]string{"detail": detail})
}

func tinyPNG() []byte {
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}
