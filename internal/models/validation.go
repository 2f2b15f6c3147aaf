package models

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
)

// ValidationResult collects every problem found in a request.
type ValidationResult struct {
	IsValid  bool     `json:"is_valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (v *ValidationResult) addError(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
	v.IsValid = false
}

func (v *ValidationResult) addWarning(format string, args ...interface{}) {
	v.Warnings = append(v.Warnings, fmt.Sprintf(format, args...))
}

// Validator checks requests against global rules and, optionally, a
// platform's constraints. It never short-circuits.
type Validator struct {
	now func() time.Time
}

// NewValidator creates a Validator. A nil clock defaults to time.Now.
func NewValidator(now func() time.Time) *Validator {
	if now == nil {
		now = time.Now
	}
	return &Validator{now: now}
}

// Validate applies the global rules: content, platforms, schedule, retry
// bounds and attachment shape.
func (v *Validator) Validate(req MessageRequest) ValidationResult {
	res := ValidationResult{IsValid: true}

	if strings.TrimSpace(req.Content) == "" {
		res.addError("content is required")
	}

	if len(req.Platforms) == 0 {
		res.addError("at least one platform is required")
	}
	seen := make(map[string]bool, len(req.Platforms))
	for i, p := range req.Platforms {
		name := NormalizePlatformName(p)
		if name == "" {
			res.addError("platform name at index %d is blank", i)
			continue
		}
		if seen[name] {
			res.addWarning("platform %q is listed more than once and will be dispatched once", name)
		}
		seen[name] = true
	}

	if req.ScheduledAt != nil && !req.ScheduledAt.After(v.now()) {
		res.addError("scheduled time must be in the future")
	}

	if req.MaxRetryAttempts < 0 || req.MaxRetryAttempts > MaxRetryAttemptsLimit {
		res.addError("max retry attempts must be between 0 and %d", MaxRetryAttemptsLimit)
	}

	for i, a := range req.Attachments {
		if !a.IsValid() {
			res.addError("attachment %d (%q) is invalid: file name, content type and data or url are required", i, a.FileName)
		}
	}

	if req.Type != "" && !IsValidMessageType(req.Type) {
		res.addWarning("unknown message type %q treated as text", req.Type)
	}
	if req.Priority != "" && !IsValidPriority(req.Priority) {
		res.addWarning("unknown priority %q ignored", req.Priority)
	}

	return res
}

// ValidateFor applies the global rules plus the platform's constraints.
func (v *Validator) ValidateFor(req MessageRequest, platform string, c PlatformConstraints) ValidationResult {
	res := v.Validate(req)
	for _, msg := range CheckConstraints(req, platform, c) {
		res.addError("%s", msg)
	}
	return res
}

// CheckConstraints returns a message for each constraint the request breaks.
// Content length is measured in runes.
func CheckConstraints(req MessageRequest, platform string, c PlatformConstraints) []string {
	var problems []string

	if c.MaxContentLength > 0 {
		if n := utf8.RuneCountInString(req.Content); n > c.MaxContentLength {
			problems = append(problems, fmt.Sprintf("content length %d exceeds %s limit of %d characters", n, platform, c.MaxContentLength))
		}
	}

	if len(req.Attachments) > c.MaxAttachments {
		problems = append(problems, fmt.Sprintf("too many attachments for %s: %d (max %d)", platform, len(req.Attachments), c.MaxAttachments))
	}

	for _, a := range req.Attachments {
		if c.MaxAttachmentSize > 0 && a.EffectiveSize() > c.MaxAttachmentSize {
			problems = append(problems, fmt.Sprintf("attachment %q exceeds %s maximum size of %s", a.FileName, platform, humanize.IBytes(uint64(c.MaxAttachmentSize))))
		}
		if !c.AllowsMIMEType(a.ContentType) {
			problems = append(problems, fmt.Sprintf("attachment %q has content type %q not supported by %s", a.FileName, a.ContentType, platform))
		}
	}

	return problems
}
