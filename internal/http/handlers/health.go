package handlers

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/jmylchreest/castarr/internal/relay"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version   string
	startTime time.Time
	relay     *relay.Server
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithRelay includes relay state in health reports.
func (h *HealthHandler) WithRelay(relaySrv *relay.Server) *HealthHandler {
	h.relay = relaySrv
	return h
}

// CPUInfo reports CPU load information.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo reports system and process memory usage.
type MemoryInfo struct {
	TotalMemoryMB     float64 `json:"total_memory_mb"`
	UsedMemoryMB      float64 `json:"used_memory_mb"`
	AvailableMemoryMB float64 `json:"available_memory_mb"`
	ProcessMemoryMB   float64 `json:"process_memory_mb"`
}

// RelayHealth reports relay state inside the health response.
type RelayHealth struct {
	Status  string `json:"status"`
	Running bool   `json:"running"`
	Streams int    `json:"streams"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status        string      `json:"status"`
	Timestamp     string      `json:"timestamp"`
	Version       string      `json:"version"`
	Uptime        string      `json:"uptime"`
	UptimeSeconds float64     `json:"uptime_seconds"`
	CPUInfo       CPUInfo     `json:"cpu"`
	Memory        MemoryInfo  `json:"memory"`
	Relay         RelayHealth `json:"relay"`
}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns service health including system metrics and relay state",
		Tags:        []string{"System"},
	}, h.GetHealth)
}

// GetHealth returns the health status of the service.
func (h *HealthHandler) GetHealth(_ context.Context, _ *struct{}) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	return &HealthOutput{
		Body: HealthResponse{
			Status:        "healthy",
			Timestamp:     now.UTC().Format(time.RFC3339),
			Version:       h.version,
			Uptime:        uptime.Round(time.Second).String(),
			UptimeSeconds: uptime.Seconds(),
			CPUInfo:       h.getCPUInfo(),
			Memory:        h.getMemoryInfo(),
			Relay:         h.getRelayHealth(),
		},
	}, nil
}

func (h *HealthHandler) getCPUInfo() CPUInfo {
	cores := runtime.NumCPU()
	info := CPUInfo{Cores: cores}

	loadAvg, err := load.Avg()
	if err == nil && loadAvg != nil {
		info.Load1Min = loadAvg.Load1
		info.Load5Min = loadAvg.Load5
		info.Load15Min = loadAvg.Load15
		if cores > 0 {
			info.LoadPercentage1Min = (loadAvg.Load1 / float64(cores)) * 100
		}
	}
	return info
}

func (h *HealthHandler) getMemoryInfo() MemoryInfo {
	info := MemoryInfo{}

	vmStat, err := mem.VirtualMemory()
	if err == nil && vmStat != nil {
		info.TotalMemoryMB = float64(vmStat.Total) / 1024 / 1024
		info.UsedMemoryMB = float64(vmStat.Used) / 1024 / 1024
		info.AvailableMemoryMB = float64(vmStat.Available) / 1024 / 1024
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err == nil {
		if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
			info.ProcessMemoryMB = float64(memInfo.RSS) / 1024 / 1024
		}
	}
	return info
}

func (h *HealthHandler) getRelayHealth() RelayHealth {
	health := RelayHealth{Status: "idle"}
	if h.relay == nil {
		return health
	}

	stats := h.relay.Stats()
	health.Running = stats.Running
	health.Streams = stats.Streams
	if stats.Running {
		health.Status = "relaying"
	}
	return health
}
