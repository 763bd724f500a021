package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/adscope/adscope/record"
)

// archiveTimeout bounds the save-ad call. Archive writes happen after the
// user already has their result, so the budget is generous but still finite.
const archiveTimeout = 10 * time.Second

// SavedAd is the flattened record POSTed to /save-ad.
type SavedAd struct {
	ScreenshotURL  string `json:"screenshotUrl"`
	AnalysisData   string `json:"analysisData"`
	SourceURL      string `json:"sourceUrl"`
	Platform       string `json:"platform"`
	UserID         string `json:"userId"`
	AdvertiserName string `json:"advertiserName"`
	Headline       string `json:"headline"`
	Description    string `json:"description"`
	CallToAction   string `json:"callToAction"`
	ProductService string `json:"productService"`
}

// Flatten builds the archive payload from a capture and its analysis.
func Flatten(c *record.Capture, a *record.Analysis, platform, userID string) SavedAd {
	return SavedAd{
		ScreenshotURL:  c.ImageData,
		AnalysisData:   a.Analysis,
		SourceURL:      c.SourceURL,
		Platform:       platform,
		UserID:         userID,
		AdvertiserName: a.StructuredData[record.FieldAdvertiserName],
		Headline:       a.StructuredData[record.FieldHeadline],
		Description:    a.StructuredData[record.FieldDescription],
		CallToAction:   a.StructuredData[record.FieldCallToAction],
		ProductService: a.StructuredData[record.FieldProductService],
	}
}

// Archive persists analyzed ads to the archive endpoint.
type Archive struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// ArchiveOption configures an Archive.
type ArchiveOption func(*Archive)

// WithArchiveLogger sets a custom logger.
func WithArchiveLogger(l *slog.Logger) ArchiveOption {
	return func(a *Archive) { a.logger = l }
}

// WithArchiveHTTPClient overrides the HTTP client, mainly for tests.
func WithArchiveHTTPClient(h *http.Client) ArchiveOption {
	return func(a *Archive) { a.http = h }
}

// NewArchive creates an Archive for the persistence service at baseURL.
// An empty baseURL disables archiving; SaveAd becomes a no-op.
func NewArchive(baseURL string, opts ...ArchiveOption) *Archive {
	a := &Archive{
		baseURL: baseURL,
		http:    &http.Client{},
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// SaveAd POSTs the flattened record. Errors are logged, never returned: a
// persistence failure must not abort the analysis flow the user is waiting
// on.
func (a *Archive) SaveAd(ctx context.Context, ad SavedAd) {
	if a.baseURL == "" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, archiveTimeout)
	defer cancel()

	body, err := json.Marshal(ad)
	if err != nil {
		a.logger.Warn("analysis: encode save-ad failed", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/save-ad", bytes.NewReader(body))
	if err != nil {
		a.logger.Warn("analysis: save-ad request failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		a.logger.Warn("analysis: save-ad call failed", "error", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		a.logger.Warn("analysis: save-ad rejected",
			"status", resp.StatusCode, "source_url", ad.SourceURL)
		return
	}
	a.logger.Debug("analysis: ad archived", "source_url", ad.SourceURL)
}
