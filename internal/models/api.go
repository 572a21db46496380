package models

// --- Request / Response types ---

// SuggestRequest is the payload for POST /api/suggest-config.
type SuggestRequest struct {
	Brief string `json:"brief"`
}

// SuggestedConfig holds the options a model proposed for a brief. Fields the
// model got wrong are left empty.
type SuggestedConfig struct {
	SiteType      SiteType    `json:"siteType,omitempty"`
	StylePreset   StylePreset `json:"stylePreset,omitempty"`
	PrimaryColor  string      `json:"primaryColor,omitempty"`
	Animations    *bool       `json:"animations,omitempty"`
	DarkMode      *bool       `json:"darkMode,omitempty"`
	Responsive    *bool       `json:"responsive,omitempty"`
	IncludeImages *bool       `json:"includeImages,omitempty"`
	CodeQuality   CodeQuality `json:"codeQuality,omitempty"`
}

// QuestionOption is one choice in a CustomQuestion.
type QuestionOption struct {
	Value string `json:"value"`
	Label string `json:"label"`
	Emoji string `json:"emoji,omitempty"`
	Desc  string `json:"desc,omitempty"`
}

// CustomQuestion is a brief-specific question proposed by the model.
type CustomQuestion struct {
	ID           string           `json:"id"`
	Label        string           `json:"label"`
	Description  string           `json:"description,omitempty"`
	Icon         string           `json:"icon,omitempty"`
	ConfigKey    string           `json:"configKey,omitempty"`
	Options      []QuestionOption `json:"options"`
	DefaultValue string           `json:"defaultValue,omitempty"`
}

// SuggestResponse is returned by POST /api/suggest-config.
type SuggestResponse struct {
	SuggestedConfig SuggestedConfig  `json:"suggestedConfig"`
	Reasoning       string           `json:"reasoning"`
	CustomQuestions []CustomQuestion `json:"customQuestions"`
}

// EmptySuggestion is returned when the model could not be reached.
func EmptySuggestion() SuggestResponse {
	return SuggestResponse{CustomQuestions: []CustomQuestion{}}
}

// DownloadFile is one file in a download request.
type DownloadFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// DownloadRequest is the payload for POST /api/download.
type DownloadRequest struct {
	Files []DownloadFile `json:"files"`
}

// SessionHealth is the per-session view in the health report.
type SessionHealth struct {
	ID            string   `json:"id"`
	Phase         string   `json:"phase"`
	Progress      int      `json:"progress"`
	Aborted       bool     `json:"aborted"`
	Paused        bool     `json:"paused"`
	Attached      bool     `json:"attached"`
	CreatedAt     string   `json:"createdAt"`
	LastActivity  string   `json:"lastActivity"`
	IdleSeconds   int64    `json:"idleSeconds"`
	FileCount     int      `json:"fileCount"`
	SkippedPhases []string `json:"skippedPhases"`
}

// Uptime is reported both raw and formatted.
type Uptime struct {
	Seconds int64  `json:"seconds"`
	Human   string `json:"human"`
}

// MemoryReport mirrors a few runtime.MemStats figures, formatted.
type MemoryReport struct {
	Sys        string `json:"sys"`
	HeapAlloc  string `json:"heapAlloc"`
	HeapInuse  string `json:"heapInuse"`
	StackInuse string `json:"stackInuse"`
	Goroutines int    `json:"goroutines"`
}

// LimitsReport lists the configured limits.
type LimitsReport struct {
	MaxCallsPerMinute     int `json:"maxCallsPerMinute"`
	SessionTimeoutMinutes int `json:"sessionTimeoutMinutes"`
	AgentTimeoutSeconds   int `json:"agentTimeoutSeconds"`
	RetryCount            int `json:"retryCount"`
}

// HealthResponse is returned by GET /api/health.
type HealthResponse struct {
	Status              string          `json:"status"`
	Version             string          `json:"version"`
	Uptime              Uptime          `json:"uptime"`
	Provider            string          `json:"provider"`
	ProviderConfigured  bool            `json:"providerConfigured"`
	ActiveSessions      int             `json:"activeSessions"`
	ActiveBuilds        int             `json:"activeBuilds"`
	MaxConcurrentBuilds int             `json:"maxConcurrentBuilds"`
	Sessions            []SessionHealth `json:"sessions"`
	Memory              MemoryReport    `json:"memory"`
	Config              LimitsReport    `json:"config"`
	ArchiveEnabled      bool            `json:"archiveEnabled"`
	Timestamp           int64           `json:"timestamp"`
}

// ArchivedBuild is a completed build kept in the archive.
type ArchivedBuild struct {
	ID            string         `json:"id"`
	Brief         string         `json:"brief"`
	SiteType      SiteType       `json:"siteType"`
	Summary       string         `json:"summary"`
	FileCount     int            `json:"fileCount"`
	SkippedPhases []string       `json:"skippedPhases"`
	TokenUsage    TokenUsage     `json:"tokenUsage"`
	CompletedAt   int64          `json:"completedAt"`
	Files         []DownloadFile `json:"files,omitempty"`
}

// ArchiveListResponse is returned by GET /api/builds.
type ArchiveListResponse struct {
	Builds []ArchivedBuild `json:"builds"`
	Count  int             `json:"count"`
}
