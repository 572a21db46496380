package api

import (
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/iammorganparry/clive/apps/buildroom/internal/agents"
	"github.com/iammorganparry/clive/apps/buildroom/internal/build"
	"github.com/iammorganparry/clive/apps/buildroom/internal/models"
)

type HealthHandler struct {
	registry  *build.Registry
	completer agents.Completer
	version   string
	limits    models.LimitsReport
	archive   bool
	started   time.Time
}

func NewHealthHandler(registry *build.Registry, completer agents.Completer, cfg RouterConfig) *HealthHandler {
	return &HealthHandler{
		registry:  registry,
		completer: completer,
		version:   cfg.Version,
		limits:    cfg.Limits,
		archive:   cfg.ArchiveEnabled,
		started:   registry.Now(),
	}
}

// Health handles GET /api/health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	now := h.registry.Now()
	uptime := int64(now.Sub(h.started).Seconds())

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	resp := models.HealthResponse{
		Status:              "ok",
		Version:             h.version,
		Uptime:              models.Uptime{Seconds: uptime, Human: formatUptime(uptime)},
		Provider:            h.completer.Name(),
		ProviderConfigured:  h.completer.Configured(),
		ActiveSessions:      h.registry.ActiveCount(),
		ActiveBuilds:        h.registry.Gate().Active(),
		MaxConcurrentBuilds: h.registry.Gate().Max(),
		Sessions:            h.registry.Snapshots(),
		Memory: models.MemoryReport{
			Sys:        formatBytes(ms.Sys),
			HeapAlloc:  formatBytes(ms.HeapAlloc),
			HeapInuse:  formatBytes(ms.HeapInuse),
			StackInuse: formatBytes(ms.StackInuse),
			Goroutines: runtime.NumGoroutine(),
		},
		Config:         h.limits,
		ArchiveEnabled: h.archive,
		Timestamp:      now.UnixMilli(),
	}
	if !resp.ProviderConfigured {
		resp.Status = "degraded"
	}

	writeJSON(w, http.StatusOK, resp)
}

func formatBytes(n uint64) string {
	if n == 0 {
		return "0 B"
	}
	sizes := []string{"B", "KB", "MB", "GB"}
	v := float64(n)
	i := 0
	for v >= 1024 && i < len(sizes)-1 {
		v /= 1024
		i++
	}
	return fmt.Sprintf("%.1f %s", v, sizes[i])
}

func formatUptime(seconds int64) string {
	days := seconds / 86400
	hours := (seconds % 86400) / 3600
	minutes := (seconds % 3600) / 60
	secs := seconds % 60

	var parts []string
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	parts = append(parts, fmt.Sprintf("%ds", secs))
	return strings.Join(parts, " ")
}
