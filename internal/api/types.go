package api

import "retouch/internal/domain"

type uploadURLsRequest struct {
	Files []domain.FileDescriptor `json:"files"`
}

type uploadURLsResponse struct {
	Items []domain.UploadTarget `json:"items"`
}

type uploadItemsResponse struct {
	Items []domain.UploadedItem `json:"items"`
}

// SubmitRequest registers uploaded originals as frames of a sku and
// optionally queues the first generation run.
type SubmitRequest struct {
	Items     []domain.UploadedItem `json:"items"`
	Enqueue   bool                  `json:"enqueue"`
	HeadID    *int64                `json:"head_id"`
	Brand     string                `json:"brand,omitempty"`
	HairStyle string                `json:"hair_style,omitempty"`
	HairColor string                `json:"hair_color,omitempty"`
	EyeColor  string                `json:"eye_color,omitempty"`
}

// SubmitResponse reports the registered batch.
type SubmitResponse struct {
	SkuID    int64   `json:"sku_id"`
	FrameIDs []int64 `json:"frame_ids"`
	Queued   bool    `json:"queued"`
}

type maskRequest struct {
	Key string `json:"key"`
}

// ExportURL is one downloadable result in a sku export.
type ExportURL struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type exportURLsResponse struct {
	Items []ExportURL `json:"items"`
}

type errorResponse struct {
	Detail  string `json:"detail"`
	Message string `json:"message"`
}
