// Package message defines the closed set of messages exchanged between the
// coordinator, the overlay and the popup. Payload shapes are part of the
// wire contract and must stay stable; unknown kinds are rejected with a
// typed error rather than silently dropped.
package message

import (
	"encoding/json"
	"fmt"

	"github.com/adscope/adscope/record"
)

// Kind is a message discriminator.
type Kind string

// The full protocol. Requests flow popup → coordinator, notifications flow
// coordinator → listeners.
const (
	StartScreenshotCapture Kind = "START_SCREENSHOT_CAPTURE"
	ScreenshotSelected     Kind = "SCREENSHOT_SELECTED"
	AnalyzeScreenshot      Kind = "ANALYZE_SCREENSHOT"
	GetSettings            Kind = "GET_SETTINGS"
	ScreenshotCaptured     Kind = "SCREENSHOT_CAPTURED"
	AnalysisComplete       Kind = "ANALYSIS_COMPLETE"
	AnalysisError          Kind = "ANALYSIS_ERROR"
	StartScreenCapture     Kind = "START_SCREEN_CAPTURE"
	StopCapture            Kind = "STOP_CAPTURE"
)

// ErrUnknownKind is returned by Decode for kinds outside the protocol.
type ErrUnknownKind struct {
	Kind string
}

func (e *ErrUnknownKind) Error() string {
	return fmt.Sprintf("message: unknown kind %q", e.Kind)
}

// ErrMissingField is returned by Decode when a kind-required field is absent.
type ErrMissingField struct {
	Kind  Kind
	Field string
}

func (e *ErrMissingField) Error() string {
	return fmt.Sprintf("message: %s requires %s", e.Kind, e.Field)
}

// Message is the tagged union. Only the fields required by Type are set.
type Message struct {
	Type      Kind            `json:"type"`
	TabID     string          `json:"tabId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	ImageData string          `json:"imageData,omitempty"`
	StreamID  string          `json:"streamId,omitempty"`
}

// Response is the uniform reply envelope. Every asynchronous boundary in the
// system converts internal failure into this shape instead of propagating.
type Response struct {
	Success  bool             `json:"success"`
	Method   string           `json:"method,omitempty"`
	Error    string           `json:"error,omitempty"`
	Data     json.RawMessage  `json:"data,omitempty"`
	Settings *record.Settings `json:"settings,omitempty"`
}

// Failure builds an error Response.
func Failure(err error) Response {
	return Response{Success: false, Error: err.Error()}
}

var known = map[Kind]bool{
	StartScreenshotCapture: true,
	ScreenshotSelected:     true,
	AnalyzeScreenshot:      true,
	GetSettings:            true,
	ScreenshotCaptured:     true,
	AnalysisComplete:       true,
	AnalysisError:          true,
	StartScreenCapture:     true,
	StopCapture:            true,
}

// Decode parses raw into a Message, validating the kind and its required
// fields.
func Decode(raw []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("message: decode: %w", err)
	}
	if !known[m.Type] {
		return nil, &ErrUnknownKind{Kind: string(m.Type)}
	}

	switch m.Type {
	case ScreenshotSelected, AnalyzeScreenshot, ScreenshotCaptured, AnalysisComplete:
		if len(m.Data) == 0 {
			return nil, &ErrMissingField{Kind: m.Type, Field: "data"}
		}
	case AnalysisError:
		if m.Error == "" {
			return nil, &ErrMissingField{Kind: m.Type, Field: "error"}
		}
	case StartScreenCapture:
		if m.ImageData == "" && m.StreamID == "" {
			return nil, &ErrMissingField{Kind: m.Type, Field: "imageData or streamId"}
		}
	}
	return &m, nil
}

// Encode serialises a Message.
func Encode(m *Message) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("message: encode: %w", err)
	}
	return raw, nil
}

// CaptureData decodes the Data payload as a capture record.
func (m *Message) CaptureData() (*record.Capture, error) {
	var c record.Capture
	if err := json.Unmarshal(m.Data, &c); err != nil {
		return nil, fmt.Errorf("message: %s payload: %w", m.Type, err)
	}
	return &c, nil
}

// AnalysisData decodes the Data payload as an analysis result.
func (m *Message) AnalysisData() (*record.Analysis, error) {
	var a record.Analysis
	if err := json.Unmarshal(m.Data, &a); err != nil {
		return nil, fmt.Errorf("message: %s payload: %w", m.Type, err)
	}
	return &a, nil
}

// Captured builds a SCREENSHOT_CAPTURED notification.
func Captured(c *record.Capture) *Message {
	return withData(ScreenshotCaptured, c)
}

// Selected builds a SCREENSHOT_SELECTED message.
func Selected(c *record.Capture) *Message {
	return withData(ScreenshotSelected, c)
}

// Analyzed builds an ANALYSIS_COMPLETE notification.
func Analyzed(a *record.Analysis) *Message {
	return withData(AnalysisComplete, a)
}

// AnalysisFailed builds an ANALYSIS_ERROR notification.
func AnalysisFailed(errText string) *Message {
	return &Message{Type: AnalysisError, Error: errText}
}

func withData(kind Kind, v any) *Message {
	raw, err := json.Marshal(v)
	if err != nil {
		// Domain types marshal cleanly; this only fires on programmer error.
		panic(fmt.Sprintf("message: marshal %s: %v", kind, err))
	}
	return &Message{Type: kind, Data: raw}
}
