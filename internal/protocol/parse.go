// Package protocol extracts agent commands from the delimiter-tagged text an
// agent returns. Parsing is tolerant: malformed blocks are reported as
// anomalies and never stop the scan.
package protocol

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// FallbackLimit caps the note produced when a reply carries no blocks.
const FallbackLimit = 500

// Kind identifies a command.
type Kind int

const (
	KindThought Kind = iota
	KindNote
	KindCreateFile
	KindModifyFile
	KindDeleteFile
	KindReview
	KindBug
)

var kindNames = [...]string{"thought", "note", "create_file", "modify_file", "delete_file", "review", "bug"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// Severity levels accepted in bug reports.
var validSeverities = map[string]bool{"high": true, "medium": true, "low": true}

// Command is one instruction found in a reply.
type Command struct {
	Kind   Kind
	Offset int

	// Text holds the thought, note, file content, review comment or bug body.
	Text string

	Recipient   string
	Path        string
	Line        *int
	Severity    string
	Description string
}

// Anomaly records a block that was recognised but could not be used.
type Anomaly struct {
	Kind   Kind
	Offset int
	Reason string
}

func (a Anomaly) String() string {
	return fmt.Sprintf("%s block at %d: %s", a.Kind, a.Offset, a.Reason)
}

// Result is the outcome of parsing one reply.
type Result struct {
	Commands  []Command
	Anomalies []Anomaly
	Fallback  bool
}

// Resolver maps a free-form agent name to a canonical agent id.
type Resolver interface {
	Resolve(name string) string
}

type rule struct {
	kind   Kind
	block  *regexp.Regexp
	opener *regexp.Regexp
}

var rules = []rule{
	{
		kind:   KindThought,
		block:  regexp.MustCompile(`(?s)===THINKING===(.*?)===END_THINKING===`),
		opener: regexp.MustCompile(`===THINKING===`),
	},
	{
		kind:   KindNote,
		block:  regexp.MustCompile(`(?s)===MESSAGE:\s*@?(\w[\w-]*)===(.*?)===END_MESSAGE===`),
		opener: regexp.MustCompile(`===MESSAGE:[^\n]*?===`),
	},
	{
		kind:   KindCreateFile,
		block:  regexp.MustCompile(`(?s)===FILE_CREATE:([^\n=]*)===(.*?)===END_FILE===`),
		opener: regexp.MustCompile(`===FILE_CREATE:[^\n=]*===`),
	},
	{
		kind:   KindModifyFile,
		block:  regexp.MustCompile(`(?s)===FILE_MODIFY:([^\n=]*)===(.*?)===END_FILE===`),
		opener: regexp.MustCompile(`===FILE_MODIFY:[^\n=]*===`),
	},
	{
		kind:  KindDeleteFile,
		block: regexp.MustCompile(`===FILE_DELETE:([^\n=]*)===`),
	},
	{
		kind:   KindReview,
		block:  regexp.MustCompile(`(?s)===REVIEW_COMMENT:([^\n=]*)===(.*?)===END_REVIEW===`),
		opener: regexp.MustCompile(`===REVIEW_COMMENT:[^\n=]*===`),
	},
	{
		kind:   KindBug,
		block:  regexp.MustCompile(`(?s)===BUG_REPORT:\s*severity=(\w*)===(.*?)===END_BUG===`),
		opener: regexp.MustCompile(`===BUG_REPORT:[^\n]*?===`),
	},
}

// Parser turns replies into commands, resolving note recipients through an
// optional Resolver.
type Parser struct {
	resolver Resolver
}

// NewParser creates a parser. r may be nil, in which case recipients are
// only lower-cased.
func NewParser(r Resolver) *Parser {
	return &Parser{resolver: r}
}

// Parse scans text with a parser that does no alias resolution.
func Parse(text string) Result {
	return NewParser(nil).Parse(text)
}

// Parse scans every block kind independently and returns the commands in the
// order they appear in text.
func (p *Parser) Parse(text string) Result {
	var res Result
	var spans [][2]int
	for _, r := range rules {
		for _, m := range r.block.FindAllStringSubmatchIndex(text, -1) {
			spans = append(spans, [2]int{m[0], m[1]})
			cmd, reason := p.build(r.kind, text, m)
			if reason != "" {
				res.Anomalies = append(res.Anomalies, Anomaly{Kind: r.kind, Offset: m[0], Reason: reason})
				continue
			}
			cmd.Offset = m[0]
			res.Commands = append(res.Commands, cmd)
		}
	}
	for _, r := range rules {
		if r.opener == nil {
			continue
		}
		for _, loc := range r.opener.FindAllStringIndex(text, -1) {
			if !covered(spans, loc[0]) {
				res.Anomalies = append(res.Anomalies, Anomaly{Kind: r.kind, Offset: loc[0], Reason: "unterminated or malformed block"})
			}
		}
	}

	sort.SliceStable(res.Commands, func(i, j int) bool { return res.Commands[i].Offset < res.Commands[j].Offset })
	sort.SliceStable(res.Anomalies, func(i, j int) bool { return res.Anomalies[i].Offset < res.Anomalies[j].Offset })

	if len(res.Commands) == 0 && len(res.Anomalies) == 0 {
		if note := truncate(strings.TrimSpace(text), FallbackLimit); note != "" {
			res.Commands = []Command{{Kind: KindNote, Text: note}}
			res.Fallback = true
		}
	}
	return res
}

func (p *Parser) build(kind Kind, text string, m []int) (Command, string) {
	group := func(i int) string {
		if m[2*i] < 0 {
			return ""
		}
		return text[m[2*i]:m[2*i+1]]
	}

	switch kind {
	case KindThought:
		return Command{Kind: kind, Text: strings.TrimSpace(group(1))}, ""

	case KindNote:
		return Command{
			Kind:      kind,
			Recipient: p.resolve(group(1)),
			Text:      strings.TrimSpace(group(2)),
		}, ""

	case KindCreateFile, KindModifyFile:
		path := strings.TrimSpace(group(1))
		content := strings.TrimSpace(group(2))
		if path == "" {
			return Command{}, "missing path"
		}
		if content == "" {
			return Command{}, "empty content"
		}
		return Command{Kind: kind, Path: path, Text: content}, ""

	case KindDeleteFile:
		path := strings.TrimSpace(group(1))
		if path == "" {
			return Command{}, "missing path"
		}
		return Command{Kind: kind, Path: path}, ""

	case KindReview:
		path, line := splitLocator(group(1))
		if path == "" {
			return Command{}, "missing file locator"
		}
		return Command{Kind: kind, Path: path, Line: line, Text: strings.TrimSpace(group(2))}, ""

	case KindBug:
		severity := strings.ToLower(strings.TrimSpace(group(1)))
		if !validSeverities[severity] {
			return Command{}, fmt.Sprintf("invalid severity %q", severity)
		}
		body := strings.TrimSpace(group(2))
		return Command{Kind: kind, Severity: severity, Description: describeBug(body), Text: body}, ""
	}
	return Command{}, "unknown block"
}

func (p *Parser) resolve(name string) string {
	name = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "@"))
	if p.resolver == nil {
		return name
	}
	return p.resolver.Resolve(name)
}

// splitLocator splits "path:line". A missing or non-numeric line yields nil.
func splitLocator(loc string) (string, *int) {
	loc = strings.TrimSpace(loc)
	path, rest, found := strings.Cut(loc, ":")
	path = strings.TrimSpace(path)
	if !found {
		return path, nil
	}
	digits := strings.TrimSpace(rest)
	end := 0
	for end < len(digits) && digits[end] >= '0' && digits[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(digits[:end])
	if err != nil {
		return path, nil
	}
	return path, &n
}

// describeBug picks the "Issue:" line, else the first line of body.
func describeBug(body string) string {
	lines := strings.Split(body, "\n")
	for _, l := range lines {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(l), "Issue:"); ok {
			return strings.TrimSpace(rest)
		}
	}
	return strings.TrimSpace(lines[0])
}

// covered reports whether offset lies within a parsed block, so markers quoted
// inside file content are not flagged.
func covered(spans [][2]int, offset int) bool {
	for _, sp := range spans {
		if offset >= sp[0] && offset < sp[1] {
			return true
		}
	}
	return false
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.TrimSpace(s[:cut])
}
