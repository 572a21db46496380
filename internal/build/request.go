package build

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/iammorganparry/clive/apps/buildroom/internal/models"
)

// Brief length bounds, in characters after trimming.
const (
	BriefMinLength = 10
	BriefMaxLength = 5000
)

var (
	// ErrCapacity means the server is running its maximum number of builds.
	ErrCapacity = errors.New("server is at maximum build capacity, try again shortly")
	// ErrProviderUnavailable means no usable model credential is configured.
	ErrProviderUnavailable = errors.New("model provider is not configured")
	// ErrNotFound means no live session has the given id.
	ErrNotFound = errors.New("session not found")
	// ErrFileNotFound is returned when an agent deletes a file that does not exist.
	ErrFileNotFound = errors.New("file not found")
)

// ValidationError reports a malformed build request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Request is what a client asks to build.
type Request struct {
	Brief   string              `json:"brief"`
	Options models.BuildOptions `json:"options"`
}

// Validate checks the request and returns a normalised copy with the brief
// trimmed and option defaults applied.
func (r Request) Validate() (Request, error) {
	brief := strings.TrimSpace(r.Brief)
	n := utf8.RuneCountInString(brief)
	switch {
	case n == 0:
		return Request{}, &ValidationError{Field: "brief", Message: "brief is required"}
	case n < BriefMinLength:
		return Request{}, &ValidationError{Field: "brief", Message: fmt.Sprintf("brief must be at least %d characters", BriefMinLength)}
	case n > BriefMaxLength:
		return Request{}, &ValidationError{Field: "brief", Message: fmt.Sprintf("brief must be at most %d characters", BriefMaxLength)}
	}

	o := r.Options
	if o.SiteType != "" && !o.SiteType.IsValid() {
		return Request{}, &ValidationError{Field: "siteType", Message: fmt.Sprintf("unknown site type %q", o.SiteType)}
	}
	if o.StylePreset != "" && !o.StylePreset.IsValid() {
		return Request{}, &ValidationError{Field: "stylePreset", Message: fmt.Sprintf("unknown style preset %q", o.StylePreset)}
	}
	if o.CodeQuality != "" && !o.CodeQuality.IsValid() {
		return Request{}, &ValidationError{Field: "codeQuality", Message: fmt.Sprintf("unknown code quality %q", o.CodeQuality)}
	}
	if o.PrimaryColor != "" && !models.IsHexColor(o.PrimaryColor) {
		return Request{}, &ValidationError{Field: "primaryColor", Message: fmt.Sprintf("%q is not a hex colour", o.PrimaryColor)}
	}
	if utf8.RuneCountInString(o.FontPreference) > 100 {
		return Request{}, &ValidationError{Field: "fontPreference", Message: "font preference is too long"}
	}

	return Request{Brief: brief, Options: o.WithDefaults()}, nil
}
