package models

import "regexp"

// SiteType selects the blueprint a build starts from.
type SiteType string

const (
	SiteTypeLanding   SiteType = "landing"
	SiteTypePortfolio SiteType = "portfolio"
	SiteTypeBlog      SiteType = "blog"
	SiteTypeEcommerce SiteType = "ecommerce"
	SiteTypeDashboard SiteType = "dashboard"
	SiteTypeCustom    SiteType = "custom"
)

var ValidSiteTypes = map[SiteType]bool{
	SiteTypeLanding:   true,
	SiteTypePortfolio: true,
	SiteTypeBlog:      true,
	SiteTypeEcommerce: true,
	SiteTypeDashboard: true,
	SiteTypeCustom:    true,
}

func (t SiteType) IsValid() bool {
	return ValidSiteTypes[t]
}

// StylePreset is the visual direction handed to the stylist.
type StylePreset string

const (
	StyleModernDark   StylePreset = "modern-dark"
	StyleCleanMinimal StylePreset = "clean-minimal"
	StyleBoldColorful StylePreset = "bold-colorful"
	StyleCorporate    StylePreset = "corporate"
	StyleRetro        StylePreset = "retro"
)

var ValidStylePresets = map[StylePreset]bool{
	StyleModernDark:   true,
	StyleCleanMinimal: true,
	StyleBoldColorful: true,
	StyleCorporate:    true,
	StyleRetro:        true,
}

func (s StylePreset) IsValid() bool {
	return ValidStylePresets[s]
}

// CodeQuality trades build speed against polish.
type CodeQuality string

const (
	QualitySpeed         CodeQuality = "speed"
	QualityBalanced      CodeQuality = "balanced"
	QualityPerfectionist CodeQuality = "perfectionist"
)

func (q CodeQuality) IsValid() bool {
	return q == QualitySpeed || q == QualityBalanced || q == QualityPerfectionist
}

var hexColor = regexp.MustCompile(`^#([0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)

// IsHexColor reports whether s is a #rgb or #rrggbb colour.
func IsHexColor(s string) bool {
	return hexColor.MatchString(s)
}

// Defaults applied when a build request leaves a field empty.
const (
	DefaultSiteType     = SiteTypeLanding
	DefaultStylePreset  = StyleModernDark
	DefaultPrimaryColor = "#3b82f6"
	DefaultFont         = "sans-serif"
	DefaultCodeQuality  = QualityBalanced
)

// BuildOptions tune a build. Booleans that must be strictly typed on the
// wire are decoded by encoding/json, so a string "true" is rejected at decode.
type BuildOptions struct {
	SiteType       SiteType    `json:"siteType,omitempty" toml:"site_type,omitempty"`
	StylePreset    StylePreset `json:"stylePreset,omitempty" toml:"style_preset,omitempty"`
	PrimaryColor   string      `json:"primaryColor,omitempty" toml:"primary_color,omitempty"`
	FontPreference string      `json:"fontPreference,omitempty" toml:"font_preference,omitempty"`
	CodeQuality    CodeQuality `json:"codeQuality,omitempty" toml:"code_quality,omitempty"`
	Animations     bool        `json:"animations" toml:"animations"`
	Responsive     bool        `json:"responsive" toml:"responsive"`
	DarkMode       bool        `json:"darkMode" toml:"dark_mode"`
	IncludeImages  bool        `json:"includeImages" toml:"include_images"`
	ManualApproval bool        `json:"manualApproval" toml:"manual_approval"`
}

// WithDefaults returns a copy with empty enum fields filled in.
func (o BuildOptions) WithDefaults() BuildOptions {
	if o.SiteType == "" {
		o.SiteType = DefaultSiteType
	}
	if o.StylePreset == "" {
		o.StylePreset = DefaultStylePreset
	}
	if o.PrimaryColor == "" {
		o.PrimaryColor = DefaultPrimaryColor
	}
	if o.FontPreference == "" {
		o.FontPreference = DefaultFont
	}
	if o.CodeQuality == "" {
		o.CodeQuality = DefaultCodeQuality
	}
	return o
}

// TokenUsage counts tokens reported by the model provider.
type TokenUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Add accumulates u into t.
func (t *TokenUsage) Add(u TokenUsage) {
	t.PromptTokens += u.PromptTokens
	t.CompletionTokens += u.CompletionTokens
	t.TotalTokens += u.TotalTokens
}
