// HTTP handlers for the xsknet control plane.
package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/penguintechinc/xsknet/internal/config"
	"github.com/penguintechinc/xsknet/internal/memory"
	"github.com/penguintechinc/xsknet/internal/xdp"
)

// HealthResponse is the response for health check endpoints.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// StatusResponse is the response for the status endpoint.
type StatusResponse struct {
	Status       string      `json:"status"`
	Service      string      `json:"service"`
	Version      string      `json:"version"`
	Timestamp    string      `json:"timestamp"`
	Uptime       string      `json:"uptime"`
	GoVersion    string      `json:"go_version"`
	NumCPU       int         `json:"num_cpu"`
	NumGoroutine int         `json:"num_goroutine"`
	NUMA         *NUMAStatus `json:"numa,omitempty"`
	XSK          *XSKStatus  `json:"xsk,omitempty"`
}

// NUMAStatus represents NUMA topology status.
type NUMAStatus struct {
	Available   bool          `json:"available"`
	NodeCount   int           `json:"node_count"`
	CurrentNode int           `json:"current_node"`
	MemoryMB    map[int]int64 `json:"memory_mb,omitempty"`
}

// XSKStatus represents datapath status.
type XSKStatus struct {
	Supported bool   `json:"supported"`
	Enabled   bool   `json:"enabled"`
	Interface string `json:"interface,omitempty"`
	QueueID   int    `json:"queue_id"`
	MTU       int    `json:"mtu,omitempty"`
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	startTime time.Time
	version   string
	device    *xdp.XDPSocket
	cfg       *config.Config
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(version string, device *xdp.XDPSocket, cfg *config.Config) *Handlers {
	return &Handlers{
		startTime: time.Now(),
		version:   version,
		device:    device,
		cfg:       cfg,
	}
}

// HealthCheck handles GET /healthz
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// ReadinessCheck handles GET /readyz
func (h *Handlers) ReadinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ready",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Status handles GET /api/v1/status
func (h *Handlers) Status(c *gin.Context) {
	numaInfo := memory.GetNUMAInfo()

	xskStatus := &XSKStatus{
		Supported: xdp.IsXDPSupported(),
		Enabled:   h.device != nil,
		Interface: h.cfg.XSKInterface,
		QueueID:   h.cfg.XSKQueueID,
	}
	if h.device != nil {
		xskStatus.MTU = h.device.Capabilities().MTU
	}

	c.JSON(http.StatusOK, StatusResponse{
		Status:       "running",
		Service:      "xsknet",
		Version:      h.version,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Uptime:       time.Since(h.startTime).String(),
		GoVersion:    runtime.Version(),
		NumCPU:       runtime.NumCPU(),
		NumGoroutine: runtime.NumGoroutine(),
		NUMA: &NUMAStatus{
			Available:   numaInfo.Available,
			NodeCount:   numaInfo.NodeCount,
			CurrentNode: numaInfo.CurrentNode,
			MemoryMB:    numaInfo.MemoryMB,
		},
		XSK: xskStatus,
	})
}

// XSKStats handles GET /api/v1/xsk/stats
func (h *Handlers) XSKStats(c *gin.Context) {
	if h.device == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "datapath not enabled",
		})
		return
	}

	resp := gin.H{
		"queues":    h.device.QueueStats(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if stats, err := h.device.Stats(); err == nil {
		resp["socket"] = stats
	}
	if ifStats, err := xdp.GetInterfaceStats(h.cfg.XSKInterface); err == nil {
		resp["interface"] = ifStats
	}

	c.JSON(http.StatusOK, resp)
}

// NUMAInfo handles GET /api/v1/numa/info
func (h *Handlers) NUMAInfo(c *gin.Context) {
	info := memory.GetNUMAInfo()

	c.JSON(http.StatusOK, gin.H{
		"available":     info.Available,
		"node_count":    info.NodeCount,
		"current_node":  info.CurrentNode,
		"cpus_per_node": info.CPUsPerNode,
		"memory_mb":     info.MemoryMB,
	})
}
