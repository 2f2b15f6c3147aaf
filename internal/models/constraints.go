package models

import (
	"mime"
	"strings"
)

// PlatformConstraints describes what a platform accepts. A zero
// MaxContentLength or MaxAttachmentSize means no limit and an empty
// SupportedMIMETypes accepts any type. MaxAttachments is exact: zero means
// the platform takes no attachments.
type PlatformConstraints struct {
	MaxContentLength   int      `json:"max_content_length" yaml:"max_content_length"`
	MaxAttachments     int      `json:"max_attachments" yaml:"max_attachments"`
	MaxAttachmentSize  int64    `json:"max_attachment_size" yaml:"-"`
	SupportedMIMETypes []string `json:"supported_mime_types,omitempty" yaml:"supported_mime_types"`
	SupportsRichText   bool     `json:"supports_rich_text" yaml:"supports_rich_text"`
	SupportsMarkdown   bool     `json:"supports_markdown" yaml:"supports_markdown"`
	SupportsHTML       bool     `json:"supports_html" yaml:"supports_html"`
	SupportsScheduling bool     `json:"supports_scheduling" yaml:"supports_scheduling"`
	SupportsEditing    bool     `json:"supports_editing" yaml:"supports_editing"`
	SupportsDeletion   bool     `json:"supports_deletion" yaml:"supports_deletion"`
}

// AllowsMIMEType reports whether contentType matches one of the supported
// types. Entries may use a "type/*" wildcard; parameters are ignored.
func (c PlatformConstraints) AllowsMIMEType(contentType string) bool {
	if len(c.SupportedMIMETypes) == 0 {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	for _, allowed := range c.SupportedMIMETypes {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if allowed == "*/*" || allowed == mediaType {
			return true
		}
		if prefix, ok := strings.CutSuffix(allowed, "/*"); ok && strings.HasPrefix(mediaType, prefix+"/") {
			return true
		}
	}
	return false
}

// PlatformCapabilities is the introspection view of one registered adapter.
type PlatformCapabilities struct {
	IsEnabled             bool                `json:"is_enabled"`
	Constraints           PlatformConstraints `json:"constraints"`
	SupportedMessageTypes []MessageType       `json:"supported_message_types"`
	Parameters            map[string]string   `json:"parameters,omitempty"`
}
