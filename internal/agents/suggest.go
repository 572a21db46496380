package agents

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/iammorganparry/clive/apps/buildroom/internal/models"
)

const suggestSystem = `You are a senior web project analyst. Read a website brief and propose build options. Reply with a single JSON object and nothing else.`

const suggestPrompt = `Propose build options for this brief.

BRIEF: %q

Reply with JSON of this shape:
{
  "suggestedConfig": {
    "siteType": "landing|portfolio|blog|ecommerce|dashboard|custom",
    "stylePreset": "modern-dark|clean-minimal|bold-colorful|corporate|retro",
    "primaryColor": "#rrggbb",
    "animations": true,
    "darkMode": false,
    "responsive": true,
    "includeImages": true,
    "codeQuality": "speed|balanced|perfectionist"
  },
  "reasoning": "one sentence",
  "customQuestions": [
    {
      "id": "snake_case_id",
      "label": "max four words",
      "description": "why it matters for this project",
      "icon": "Palette|Layout|Target|Users|Zap|Package|Globe|Star|Layers|Type",
      "configKey": "camelCaseKey",
      "options": [{"value": "v1", "label": "Label", "emoji": "", "desc": "short benefit"}],
      "defaultValue": "v1"
    }
  ]
}

Ask exactly three questions specific to this brief, each with three options. Pick a colour that fits the brief.`

// SuggestMessages builds the chat turns for a config suggestion.
func SuggestMessages(brief string) []Message {
	return []Message{
		{Role: "system", Content: suggestSystem},
		{Role: "user", Content: fmt.Sprintf(suggestPrompt, brief)},
	}
}

// ParseSuggestion extracts the first {...} span from text and decodes it.
// Values outside the allowed enums are dropped rather than rejected.
func ParseSuggestion(text string) (models.SuggestResponse, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return models.SuggestResponse{}, fmt.Errorf("no JSON object in reply")
	}

	var out models.SuggestResponse
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return models.SuggestResponse{}, fmt.Errorf("decode suggestion: %w", err)
	}

	cfg := &out.SuggestedConfig
	if cfg.SiteType != "" && !cfg.SiteType.IsValid() {
		cfg.SiteType = ""
	}
	if cfg.StylePreset != "" && !cfg.StylePreset.IsValid() {
		cfg.StylePreset = ""
	}
	if cfg.CodeQuality != "" && !cfg.CodeQuality.IsValid() {
		cfg.CodeQuality = ""
	}
	if cfg.PrimaryColor != "" && !models.IsHexColor(cfg.PrimaryColor) {
		cfg.PrimaryColor = ""
	}

	questions := out.CustomQuestions[:0]
	for _, q := range out.CustomQuestions {
		if q.ID == "" || len(q.Options) == 0 {
			continue
		}
		questions = append(questions, q)
	}
	if questions == nil {
		questions = []models.CustomQuestion{}
	}
	out.CustomQuestions = questions
	return out, nil
}
