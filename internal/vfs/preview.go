package vfs

import (
	"regexp"
	"strings"
)

// EntryFile is the markup document a preview is assembled around.
const EntryFile = "index.html"

const placeholderHTML = `<div style="color:#666;font-family:system-ui;padding:40px;text-align:center"><p>Building your website...</p></div>`

var (
	bodyRegex       = regexp.MustCompile(`(?is)<body\b[^>]*>(.*?)</body\s*>`)
	styleRegex      = regexp.MustCompile(`(?is)<style\b[^>]*>(.*?)</style\s*>`)
	scriptRegex     = regexp.MustCompile(`(?is)<script\b([^>]*)>(.*?)</script\s*>`)
	stylesheetRegex = regexp.MustCompile(`(?is)<link\b[^>]*\brel\s*=\s*["']?stylesheet["']?[^>]*>`)
	srcAttrRegex    = regexp.MustCompile(`(?i)\bsrc\s*=`)
)

// Preview is the markup, styles and scripts a consumer injects into a
// sandboxed frame.
type Preview struct {
	HTML string `json:"html"`
	CSS  string `json:"css"`
	JS   string `json:"js"`
}

// BuildPreview assembles a preview from the current entries. It never
// mutates the store.
func (s *Store) BuildPreview() Preview {
	entries := s.List()

	var entry *Entry
	for _, e := range entries {
		if e.Path == EntryFile || strings.HasSuffix(e.Path, "/"+EntryFile) {
			entry = e
			break
		}
	}
	if entry == nil {
		return skeletonPreview(entries)
	}

	markup := entry.Content

	var css []string
	for _, m := range styleRegex.FindAllStringSubmatch(markup, -1) {
		if block := strings.TrimSpace(m[1]); block != "" {
			css = append(css, block)
		}
	}
	var inlineJS []string
	for _, m := range scriptRegex.FindAllStringSubmatch(markup, -1) {
		if srcAttrRegex.MatchString(m[1]) {
			continue
		}
		if code := strings.TrimSpace(m[2]); code != "" {
			inlineJS = append(inlineJS, code)
		}
	}

	body := markup
	if m := bodyRegex.FindStringSubmatch(markup); m != nil {
		body = m[1]
	}
	body = stripAssetTags(body)

	var js []string
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Path, ".css"):
			css = append(css, e.Content)
		case strings.HasSuffix(e.Path, ".js"):
			js = append(js, e.Content)
		}
	}
	js = append(js, inlineJS...)

	return Preview{
		HTML: body,
		CSS:  strings.Join(css, "\n"),
		JS:   strings.Join(js, "\n"),
	}
}

// stripAssetTags removes style, script and stylesheet link tags; the consumer
// re-injects styles and scripts separately.
func stripAssetTags(markup string) string {
	markup = styleRegex.ReplaceAllString(markup, "")
	markup = scriptRegex.ReplaceAllString(markup, "")
	markup = stylesheetRegex.ReplaceAllString(markup, "")
	return strings.TrimSpace(markup)
}

func skeletonPreview(entries []*Entry) Preview {
	var fragments []string
	for _, e := range entries {
		if strings.HasSuffix(e.Path, ".html") {
			fragments = append(fragments, stripAssetTags(e.Content))
		}
	}
	html := strings.Join(fragments, "\n")
	if strings.TrimSpace(html) == "" {
		html = placeholderHTML
	}
	return Preview{HTML: html}
}
