package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/DispatchPipe/internal/models"
	"github.com/BTreeMap/DispatchPipe/internal/ratelimit"
	"github.com/BTreeMap/DispatchPipe/internal/retry"
)

// Platforms is the YAML platform settings file.
//
//	retry:
//	  base_delay: 500ms
//	  max_delay: 30s
//	default_rate_limit: {requests: 60, window: 1m}
//	platforms:
//	  telegram:
//	    rate_limit: {requests: 30, window: 1s}
//	    constraints:
//	      max_attachment_size: 20MB
type Platforms struct {
	Retry            *retry.Policy               `yaml:"retry"`
	DefaultRateLimit *ratelimit.Policy           `yaml:"default_rate_limit"`
	Platforms        map[string]PlatformSettings `yaml:"platforms"`
}

// PlatformSettings overrides one adapter's defaults. Unset fields keep the
// adapter's own values.
type PlatformSettings struct {
	Enabled     *bool               `yaml:"enabled"`
	SendTimeout time.Duration       `yaml:"send_timeout"`
	RateLimit   *ratelimit.Policy   `yaml:"rate_limit"`
	Constraints ConstraintOverrides `yaml:"constraints"`
}

// ConstraintOverrides replaces individual PlatformConstraints fields.
type ConstraintOverrides struct {
	MaxContentLength   *int      `yaml:"max_content_length"`
	MaxAttachments     *int      `yaml:"max_attachments"`
	MaxAttachmentSize  *ByteSize `yaml:"max_attachment_size"`
	SupportedMIMETypes []string  `yaml:"supported_mime_types"`
	SupportsMarkdown   *bool     `yaml:"supports_markdown"`
	SupportsHTML       *bool     `yaml:"supports_html"`
}

// Apply returns base with the overrides applied.
func (o ConstraintOverrides) Apply(base models.PlatformConstraints) models.PlatformConstraints {
	if o.MaxContentLength != nil {
		base.MaxContentLength = *o.MaxContentLength
	}
	if o.MaxAttachments != nil {
		base.MaxAttachments = *o.MaxAttachments
	}
	if o.MaxAttachmentSize != nil {
		base.MaxAttachmentSize = o.MaxAttachmentSize.Int64()
	}
	if o.SupportedMIMETypes != nil {
		base.SupportedMIMETypes = append([]string(nil), o.SupportedMIMETypes...)
	}
	if o.SupportsMarkdown != nil {
		base.SupportsMarkdown = *o.SupportsMarkdown
	}
	if o.SupportsHTML != nil {
		base.SupportsHTML = *o.SupportsHTML
	}
	return base
}

// IsZero reports whether no override is set.
func (o ConstraintOverrides) IsZero() bool {
	return o.MaxContentLength == nil && o.MaxAttachments == nil && o.MaxAttachmentSize == nil &&
		o.SupportedMIMETypes == nil && o.SupportsMarkdown == nil && o.SupportsHTML == nil
}

// For returns the settings for platform, matched case-insensitively.
func (p Platforms) For(platform string) (PlatformSettings, bool) {
	name := models.NormalizePlatformName(platform)
	for k, v := range p.Platforms {
		if models.NormalizePlatformName(k) == name {
			return v, true
		}
	}
	return PlatformSettings{}, false
}

// LoadPlatforms reads the platform settings file at path. An empty path
// yields empty settings.
func LoadPlatforms(path string) (Platforms, error) {
	if path == "" {
		return Platforms{}, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Platforms{}, fmt.Errorf("platforms file not found: %s", path)
		}
		return Platforms{}, err
	}
	p, err := ParsePlatforms(b)
	if err != nil {
		return Platforms{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return p, nil
}

// ParsePlatforms decodes platform settings. Unknown keys are rejected.
func ParsePlatforms(b []byte) (Platforms, error) {
	var p Platforms
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Platforms{}, err
	}
	for name, s := range p.Platforms {
		if s.RateLimit != nil && (s.RateLimit.Requests < 0 || s.RateLimit.Window < 0) {
			return Platforms{}, fmt.Errorf("platform %q: rate limit must not be negative", name)
		}
		if s.SendTimeout < 0 {
			return Platforms{}, fmt.Errorf("platform %q: send timeout must not be negative", name)
		}
	}
	return p, nil
}
