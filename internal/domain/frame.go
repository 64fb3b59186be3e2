package domain

// GenerationStatus enumerates frame generation lifecycle states.
type GenerationStatus string

const (
	StatusQueued     GenerationStatus = "queued"
	StatusGenerating GenerationStatus = "generating"
	StatusRunning    GenerationStatus = "running"
	StatusDone       GenerationStatus = "done"
	StatusFailed     GenerationStatus = "failed"
)

// Terminal reports whether the status can no longer change without a new run.
func (s GenerationStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// OutputSet is the ordered list of output image URLs produced by one
// generation run. Sets are appended to a frame's version history and never
// mutated afterwards.
type OutputSet []string

// Frame is one original photograph plus its optional mask and the history of
// generation outputs produced for it.
type Frame struct {
	ID            int64            `json:"id"`
	Seq           int              `json:"seq"`
	OriginalURL   string           `json:"original_url"`
	MaskURL       string           `json:"mask_url,omitempty"`
	Status        GenerationStatus `json:"status"`
	Outputs       OutputSet        `json:"outputs"`
	Versions      []OutputSet      `json:"outputs_versions"`
	PendingParams GenerationParams `json:"pending_params"`
}

// VersionCount returns the number of completed generation runs.
func (f *Frame) VersionCount() int {
	return len(f.Versions)
}

// Completed reports whether at least one generation run has produced output.
func (f *Frame) Completed() bool {
	return len(f.Versions) > 0
}

// LatestOutputs returns the most recent output set, or nil when the frame has
// no versions yet.
func (f *Frame) LatestOutputs() OutputSet {
	if len(f.Versions) == 0 {
		return nil
	}
	return f.Versions[len(f.Versions)-1]
}

// FlatOutputs flattens all versions into a single addressable list. The index
// is a display convenience for preview paging; it is never a storage
// identity, and it renumbers when a new version arrives.
func (f *Frame) FlatOutputs() []string {
	var flat []string
	for _, set := range f.Versions {
		flat = append(flat, set...)
	}
	return flat
}

// Clone returns a deep copy so callers can hand out snapshots without
// aliasing the version history.
func (f *Frame) Clone() Frame {
	out := *f
	out.Outputs = append(OutputSet(nil), f.Outputs...)
	if f.Versions != nil {
		out.Versions = make([]OutputSet, len(f.Versions))
		for i, set := range f.Versions {
			out.Versions[i] = append(OutputSet(nil), set...)
		}
	}
	return out
}

// SkuInfo describes the batch a set of frames belongs to.
type SkuInfo struct {
	Code   string `json:"code"`
	IsDone bool   `json:"is_done"`
}

// SkuView is the backend's full view of one sku: batch metadata plus every
// registered frame in sequence order.
type SkuView struct {
	Sku    SkuInfo `json:"sku"`
	Frames []Frame `json:"frames"`
}

// FrameByID locates a frame in the view, or nil when absent.
func (v *SkuView) FrameByID(id int64) *Frame {
	for i := range v.Frames {
		if v.Frames[i].ID == id {
			return &v.Frames[i]
		}
	}
	return nil
}
