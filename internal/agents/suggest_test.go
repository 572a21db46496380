package agents

import (
	"strings"
	"testing"

	"github.com/iammorganparry/clive/apps/buildroom/internal/models"
)

func TestParseSuggestion(t *testing.T) {
	text := "Sure! Here you go:\n```json\n" + `{
  "suggestedConfig": {
    "siteType": "portfolio",
    "stylePreset": "vaporwave",
    "primaryColor": "#e11d48",
    "animations": true,
    "codeQuality": "balanced"
  },
  "reasoning": "A photographer needs a visual-first layout.",
  "customQuestions": [
    {"id": "gallery_layout", "label": "Gallery layout", "options": [{"value": "grid", "label": "Grid"}]},
    {"id": "", "label": "Broken", "options": [{"value": "x", "label": "X"}]},
    {"id": "no_options", "label": "Empty", "options": []}
  ]
}` + "\n```"

	got, err := ParseSuggestion(text)
	if err != nil {
		t.Fatalf("ParseSuggestion: %v", err)
	}
	cfg := got.SuggestedConfig
	if cfg.SiteType != models.SiteTypePortfolio || cfg.PrimaryColor != "#e11d48" || cfg.CodeQuality != models.QualityBalanced {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.StylePreset != "" {
		t.Errorf("invalid preset should be dropped, got %q", cfg.StylePreset)
	}
	if cfg.Animations == nil || !*cfg.Animations || cfg.DarkMode != nil {
		t.Errorf("booleans not decoded as expected: %+v", cfg)
	}
	if len(got.CustomQuestions) != 1 || got.CustomQuestions[0].ID != "gallery_layout" {
		t.Errorf("unexpected questions: %+v", got.CustomQuestions)
	}
}

func TestParseSuggestionErrors(t *testing.T) {
	for _, text := range []string{"", "no json here", "{ not json }"} {
		if _, err := ParseSuggestion(text); err == nil {
			t.Errorf("ParseSuggestion(%q) should fail", text)
		}
	}
}

func TestParseSuggestionBadColour(t *testing.T) {
	got, err := ParseSuggestion(`{"suggestedConfig": {"primaryColor": "blue"}}`)
	if err != nil {
		t.Fatal(err)
	}
	if got.SuggestedConfig.PrimaryColor != "" {
		t.Errorf("expected colour dropped, got %q", got.SuggestedConfig.PrimaryColor)
	}
	if got.CustomQuestions == nil {
		t.Error("questions should be an empty slice, not nil")
	}
}

func TestSuggestMessages(t *testing.T) {
	msgs := SuggestMessages("A bakery site")
	if len(msgs) != 2 || msgs[0].Role != "system" || !strings.Contains(msgs[1].Content, `"A bakery site"`) {
		t.Errorf("unexpected messages: %+v", msgs)
	}
}
