package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"retouch/internal/domain"
	"retouch/internal/infra"
)

// ErrMissingBaseURL indicates the client was configured without a backend address.
var ErrMissingBaseURL = errors.New("api: base url is required")

// Options configures the backend client.
type Options struct {
	BaseURL        string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client performs HTTP calls against the generation backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, ErrMissingBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Client{baseURL: baseURL, httpClient: httpClient, logger: logger}, nil
}

// UploadURLs requests one addressed storage destination per file descriptor.
func (c *Client) UploadURLs(ctx context.Context, sku string, files []domain.FileDescriptor) ([]domain.UploadTarget, error) {
	var out uploadURLsResponse
	path := fmt.Sprintf("/skus/%s/upload-urls", url.PathEscape(sku))
	if err := c.doJSON(ctx, http.MethodPost, path, uploadURLsRequest{Files: files}, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// Transfer PUTs raw bytes to an addressed destination. The Content-Type is
// the file's declared mime, defaulting to application/octet-stream.
func (c *Client) Transfer(ctx context.Context, target domain.UploadTarget, data []byte, mime string) error {
	if mime == "" {
		mime = "application/octet-stream"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.PutURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("api: build transfer request: %w", err)
	}
	req.Header.Set("Content-Type", mime)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("api: transfer %s: %w", target.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("api: transfer %s: status %d: %s", target.Name, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return nil
}

// UploadMultipart submits the whole batch through the backend, which writes
// to storage server-side. This is the fallback tier.
func (c *Client) UploadMultipart(ctx context.Context, sku string, files []domain.LocalFile) ([]domain.UploadedItem, error) {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for _, f := range files {
		part, err := mw.CreateFormFile("files", f.Name)
		if err != nil {
			return nil, fmt.Errorf("api: build multipart: %w", err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, fmt.Errorf("api: write multipart: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("api: close multipart: %w", err)
	}

	endpoint := fmt.Sprintf("%s/skus/%s/upload", c.baseURL, url.PathEscape(sku))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("api: build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api: upload: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("api: read upload response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, statusError("upload", resp.StatusCode, raw)
	}
	var out uploadItemsResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("api: decode upload response: %w", err)
	}
	return out.Items, nil
}

// Submit registers uploaded keys as frames of the sku.
func (c *Client) Submit(ctx context.Context, sku string, req SubmitRequest) (*SubmitResponse, error) {
	var out SubmitResponse
	path := fmt.Sprintf("/skus/%s/submit", url.PathEscape(sku))
	if err := c.doJSON(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SkuView fetches the backend's current view of the sku.
func (c *Client) SkuView(ctx context.Context, code string) (*domain.SkuView, error) {
	var out domain.SkuView
	path := fmt.Sprintf("/sku/by-code/%s/view", url.PathEscape(code))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Redo queues a new generation run for the frame. Completion is observed
// only via polling the sku view.
func (c *Client) Redo(ctx context.Context, frameID int64, params domain.GenerationParams) error {
	path := fmt.Sprintf("/frame/%d/redo", frameID)
	return c.doJSON(ctx, http.MethodPost, path, params, nil)
}

// AssociateMask links a storage key as the frame's active mask.
func (c *Client) AssociateMask(ctx context.Context, frameID int64, key string) error {
	path := fmt.Sprintf("/frame/%d/mask", frameID)
	return c.doJSON(ctx, http.MethodPost, path, maskRequest{Key: key}, nil)
}

// DeleteFrame asks the backend to delete the frame. Callers drop their local
// copy only after this returns nil.
func (c *Client) DeleteFrame(ctx context.Context, frameID int64) error {
	path := fmt.Sprintf("/frame/%d", frameID)
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// Preview fetches the resized raster used as the mask paint-surface
// background, returning the bytes and their content type.
func (c *Client) Preview(ctx context.Context, frameID int64) ([]byte, string, error) {
	endpoint := fmt.Sprintf("%s/frame/%d/preview", c.baseURL, frameID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, "", fmt.Errorf("api: build preview request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("api: preview: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, "", statusError("preview", resp.StatusCode, raw)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("api: read preview: %w", err)
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = "image/png"
	}
	return data, mime, nil
}

// Download fetches an absolute asset URL (an original or a generated
// output) and returns the bytes and content type.
func (c *Client) Download(ctx context.Context, rawURL string) ([]byte, string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Scheme == "" {
		return nil, "", fmt.Errorf("api: invalid asset url: %s", rawURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("api: build download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("api: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("api: download status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("api: read download: %w", err)
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = "application/octet-stream"
	}
	return data, mime, nil
}

// ExportURLs lists downloadable results for the sku.
func (c *Client) ExportURLs(ctx context.Context, code string) ([]ExportURL, error) {
	var out exportURLsResponse
	path := fmt.Sprintf("/sku/by-code/%s/export-urls", url.PathEscape(code))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// ExportZip downloads the sku's packaged results.
func (c *Client) ExportZip(ctx context.Context, code string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/sku/by-code/%s/export.zip", c.baseURL, url.PathEscape(code))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("api: build export request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api: export: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, statusError("export", resp.StatusCode, raw)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("api: read export: %w", err)
	}
	return data, nil
}

// MarkDone flags the sku as reviewed.
func (c *Client) MarkDone(ctx context.Context, code string) error {
	path := fmt.Sprintf("/sku/by-code/%s/done", url.PathEscape(code))
	return c.doJSON(ctx, http.MethodPost, path, nil, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api: encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("api: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("api: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return statusError(path, resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("api: decode response: %w", err)
		}
	}
	c.logger.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("api: request complete")
	return nil
}

func statusError(what string, status int, raw []byte) error {
	var detail errorResponse
	if err := json.Unmarshal(raw, &detail); err == nil {
		if detail.Detail != "" {
			return fmt.Errorf("api: %s: status %d: %s", what, status, detail.Detail)
		}
		if detail.Message != "" {
			return fmt.Errorf("api: %s: status %d: %s", what, status, detail.Message)
		}
	}
	return fmt.Errorf("api: %s: status %d: %s", what, status, strings.TrimSpace(string(raw)))
}
