// Package record defines the domain types shared between the coordinator,
// the overlay, the popup controller and the persisted store: capture records,
// analysis results and user settings.
package record

import (
	"fmt"
	"time"
)

// Capture status values. A record is created as StatusCaptured and moves to
// StatusAnalyzed exactly once, when an analysis result is attached.
const (
	StatusCaptured = "captured"
	StatusAnalyzed = "analyzed"
)

// Analysis status values.
const (
	AnalysisCompleted = "completed"
	AnalysisError     = "error"
)

// CaptureKeyPrefix is the store key prefix for capture records. The full key
// doubles as the capture ID.
const CaptureKeyPrefix = "capture_"

// RetentionLimit is the number of most recent capture records kept by the
// cleanup sweep. Older records are evicted, oldest first.
const RetentionLimit = 50

// Selection is a page-relative rectangle in CSS pixels at capture time.
type Selection struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Dimensions records the cropped image size and the full raster size it was
// cut from. Original dimensions are raster pixels, which differ from CSS
// pixels under device scaling or zoom.
type Dimensions struct {
	Width          int `json:"width"`
	Height         int `json:"height"`
	OriginalWidth  int `json:"originalWidth"`
	OriginalHeight int `json:"originalHeight"`
}

// Capture is one persisted capture event: the cropped image plus the page
// context it was taken from.
type Capture struct {
	CaptureID  string     `json:"captureId"`
	ImageData  string     `json:"imageData"` // base64 data URL
	Dimensions Dimensions `json:"dimensions"`
	Selection  Selection  `json:"selection"`
	SourceURL  string     `json:"sourceUrl"`
	PageTitle  string     `json:"pageTitle"`
	// PageExcerpt is a markdown rendering of the page's main content,
	// passed to the analyzer as extra context. Optional.
	PageExcerpt string    `json:"pageExcerpt,omitempty"`
	Timestamp   int64     `json:"timestamp"` // unix milliseconds
	Status      string    `json:"status"`
	Analysis    *Analysis `json:"analysis,omitempty"`
}

// NewCaptureID derives a capture ID from a creation timestamp.
func NewCaptureID(ts time.Time) string {
	return fmt.Sprintf("%s%d", CaptureKeyPrefix, ts.UnixMilli())
}

// Analysis is the structured outcome of one analysis call.
type Analysis struct {
	Analysis       string            `json:"analysis"`
	StructuredData map[string]string `json:"structuredData"`
	RawResponse    string            `json:"rawResponse"`
	ModelUsed      string            `json:"modelUsed,omitempty"`
	Status         string            `json:"status"`
	Error          string            `json:"error,omitempty"`
	Timestamp      int64             `json:"timestamp"`
	CaptureID      string            `json:"captureId,omitempty"`
}

// Structured-data field names produced by the response parser and consumed
// by the archive client.
const (
	FieldAdvertiserName = "advertiser_name"
	FieldHeadline       = "headline"
	FieldDescription    = "description"
	FieldCallToAction   = "call_to_action"
	FieldProductService = "product_service"
)

// Capture image formats.
const (
	FormatPNG  = "png"
	FormatJPEG = "jpeg"
)

// Settings are the user-editable knobs. The popup is their only writer.
type Settings struct {
	AutoAnalyze   bool   `json:"autoAnalyze"`
	CaptureFormat string `json:"captureFormat"`
}

// DefaultSettings returns the first-install settings.
func DefaultSettings() Settings {
	return Settings{AutoAnalyze: true, CaptureFormat: FormatPNG}
}
