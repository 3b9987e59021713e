// Package types provides shared result shapes used across toolmesh packages
// to avoid import cycles between the catalog, supervisor, and tool registry.
package types

import "strings"

// ContentKind identifies the type of a ContentBlock.
type ContentKind string

const (
	ContentKindText  ContentKind = "text"
	ContentKindImage ContentKind = "image"
	ContentKindError ContentKind = "error"
)

// ContentBlock is a single unit of tool output — text, image, or error.
type ContentBlock struct {
	Kind ContentKind `json:"kind"`
	Text string      `json:"text,omitempty"`

	// Image fields (base64 encoded)
	MimeType string `json:"mime_type,omitempty"`
	Data     string `json:"data,omitempty"`

	// Error fields
	ErrCode string `json:"err_code,omitempty"`
}

// TextBlock creates a text ContentBlock.
func TextBlock(text string) ContentBlock {
	return ContentBlock{
		Kind: ContentKindText,
		Text: text,
	}
}

// ImageBlock creates an image ContentBlock.
func ImageBlock(mimeType, base64Data string) ContentBlock {
	return ContentBlock{
		Kind:     ContentKindImage,
		MimeType: mimeType,
		Data:     base64Data,
	}
}

// ErrorBlock creates an error ContentBlock.
func ErrorBlock(errCode, message string) ContentBlock {
	return ContentBlock{
		Kind:    ContentKindError,
		Text:    message,
		ErrCode: errCode,
	}
}

// ToolOutput is the platform's uniform tool execution result. External
// provider results are translated into this shape by the catalog; internal
// tools produce it directly.
type ToolOutput struct {
	Content   []ContentBlock `json:"content"`
	ElapsedMs int64          `json:"elapsed_ms"`
}

// Text returns all text content blocks concatenated with newlines.
func (o *ToolOutput) Text() string {
	var parts []string
	for _, block := range o.Content {
		if block.Kind == ContentKindText && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// HasError returns true if any content block is an error.
func (o *ToolOutput) HasError() bool {
	for _, block := range o.Content {
		if block.Kind == ContentKindError {
			return true
		}
	}
	return false
}

// ToolSpec describes a single executable tool offered by the internal
// registry. The catalog converts specs into scoped descriptors.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
	Category    string         `json:"category,omitempty"`
}
