// Package http exposes the agent's REST surface: sync trigger, history,
// trusted domains, watcher control, and health.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tccl/tabsync/internal/history"
	"github.com/tccl/tabsync/internal/infrastructure/logging"
	"github.com/tccl/tabsync/internal/shared/types"
	"github.com/tccl/tabsync/internal/syncer"
	"github.com/tccl/tabsync/internal/trust"
	"github.com/tccl/tabsync/internal/watcher"
)

// Syncer is the slice of the orchestrator the REST surface needs.
type Syncer interface {
	Propagate(ctx context.Context, payload types.Payload, opts syncer.Options) types.SyncResult
}

// Handlers bundles the REST handler dependencies.
type Handlers struct {
	sync     Syncer
	watcher  *watcher.Watcher
	trust    *trust.Store
	log      *history.Log
	restorer *history.Restorer
	logger   *logging.Logger
	started  time.Time
}

// NewHandlers creates the REST handler set.
func NewHandlers(sync Syncer, w *watcher.Watcher, tr *trust.Store, log *history.Log, restorer *history.Restorer, logger *logging.Logger) *Handlers {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handlers{
		sync:     sync,
		watcher:  w,
		trust:    tr,
		log:      log,
		restorer: restorer,
		logger:   logger,
		started:  time.Now(),
	}
}

// Health reports liveness and the watcher state.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"watcher": h.watcher.State().String(),
		"uptime":  time.Since(h.started).String(),
	})
}

// Stats summarizes the agent's current state.
func (h *Handlers) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"stats": gin.H{
			"watcher":         h.watcher.State().String(),
			"trusted_domains": len(h.trust.List()),
			"history_entries": h.log.Len(),
			"uptime_seconds":  int64(time.Since(h.started).Seconds()),
		},
	})
}

// TriggerSync propagates the submitted payload to all trusted tabs.
func (h *Handlers) TriggerSync(c *gin.Context) {
	var req struct {
		Records     string `json:"records" binding:"required"`
		Metadata    string `json:"metadata"`
		OriginTabID string `json:"origin_tab_id"`
		Strategy    string `json:"strategy"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	payload, err := types.ParsePayload(req.Records, req.Metadata)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	result := h.sync.Propagate(c.Request.Context(), payload, syncer.Options{
		OriginTabID: req.OriginTabID,
		Strategy:    types.Strategy(req.Strategy),
	})
	c.JSON(http.StatusOK, gin.H{
		"success": result.Success,
		"result":  result,
	})
}

// ListHistory returns the snapshot log, most recent first.
func (h *Handlers) ListHistory(c *gin.Context) {
	entries := h.log.List()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"count":   len(entries),
		"entries": entries,
	})
}

// RestoreHistory re-propagates one recorded snapshot.
func (h *Handlers) RestoreHistory(c *gin.Context) {
	entryID := c.Param("id")
	result, err := h.restorer.Restore(c.Request.Context(), entryID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": result.Success,
		"result":  result,
	})
}

// ListDomains returns the trusted-domain set in insertion order.
func (h *Handlers) ListDomains(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"domains": h.trust.List(),
	})
}

// AddDomain grants trust to a domain.
func (h *Handlers) AddDomain(c *gin.Context) {
	var req struct {
		Domain string `json:"domain" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	if err := h.trust.Add(req.Domain); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"domains": h.trust.List(),
	})
}

// RemoveDomain revokes trust for a domain.
func (h *Handlers) RemoveDomain(c *gin.Context) {
	domain := c.Param("domain")
	if err := h.trust.Remove(domain); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"domains": h.trust.List(),
	})
}

// CheckDomain reports whether a hostname is trusted.
func (h *Handlers) CheckDomain(c *gin.Context) {
	hostname := c.Param("domain")
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"hostname": hostname,
		"trusted":  h.trust.IsTrusted(hostname),
	})
}

// SetWatcherEnabled toggles change detection.
func (h *Handlers) SetWatcherEnabled(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	if *req.Enabled {
		h.watcher.Enable()
	} else {
		h.watcher.Disable()
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"watcher": h.watcher.State().String(),
	})
}
