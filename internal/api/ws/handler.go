// Package ws carries the page-script message protocol over WebSocket. Each
// connected client is one injected script; pushes route through the watcher
// gate, and accepted changes are broadcast back out to every other client.
package ws

import (
	"context"
	"net/http"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tccl/tabsync/internal/infrastructure/logging"
	"github.com/tccl/tabsync/internal/infrastructure/monitoring"
	"github.com/tccl/tabsync/internal/shared/types"
	"github.com/tccl/tabsync/internal/syncer"
	"github.com/tccl/tabsync/internal/trust"
	"github.com/tccl/tabsync/internal/watcher"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Page origins are arbitrary trusted sites; the trust store, not
		// the Origin header, decides who gets synced.
		return true
	},
}

// Handler manages WebSocket connections.
type Handler struct {
	watcher *watcher.Watcher
	trust   *trust.Store
	sync    Syncer
	logger  *logging.Logger
	metrics *monitoring.Metrics

	mu      sync.Mutex
	clients map[string]*client
}

// Syncer is the slice of the orchestrator the handler needs for explicit
// sync requests.
type Syncer interface {
	Propagate(ctx context.Context, payload types.Payload, opts syncer.Options) types.SyncResult
}

type client struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex // serializes concurrent writes to one conn
}

func (cl *client) send(v interface{}) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.conn.WriteMessage(websocket.TextMessage, data)
}

// NewHandler creates a WebSocket handler.
func NewHandler(w *watcher.Watcher, tr *trust.Store, sync Syncer, logger *logging.Logger, metrics *monitoring.Metrics) *Handler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handler{
		watcher: w,
		trust:   tr,
		sync:    sync,
		logger:  logger,
		metrics: metrics,
		clients: make(map[string]*client),
	}
}

// Broadcast sends a change notification to every connected client. Wired
// into the watcher via SetNotify.
func (h *Handler) Broadcast(source string, payload types.Payload) {
	records, err := payload.RecordsJSON()
	if err != nil {
		h.logger.Warn("broadcast marshal failed", zap.Error(err))
		return
	}
	note := Notification{
		Action:  ActionClipboardDataChanged,
		Source:  source,
		Records: records,
		Label:   payload.Label(),
	}

	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for _, cl := range h.clients {
		targets = append(targets, cl)
	}
	h.mu.Unlock()

	for _, cl := range targets {
		if err := cl.send(note); err != nil {
			h.logger.Debug("broadcast send failed", zap.String("client_id", cl.id), zap.Error(err))
		}
	}
}

// HandleConnection upgrades the request and runs the message loop until the
// peer disconnects.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	cl := &client{id: uuid.NewString(), conn: conn}
	h.register(cl)
	defer h.unregister(cl)

	_ = cl.send(Reply{Action: "connected", Success: true, Data: gin.H{"client_id": cl.id}})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", zap.String("client_id", cl.id), zap.Error(err))
			}
			return
		}

		var env Envelope
		if err := sonic.Unmarshal(data, &env); err != nil {
			_ = cl.send(Reply{Action: "error", Error: "malformed message"})
			continue
		}
		if h.metrics != nil {
			h.metrics.WSMessages.WithLabelValues(env.Action).Inc()
		}
		h.dispatch(c, cl, env)
	}
}

func (h *Handler) dispatch(c *gin.Context, cl *client, env Envelope) {
	switch env.Action {
	case ActionLocalStorageUpdated, ActionLocalStoragePolled:
		h.handlePush(c, cl, env)
	case ActionSyncClipboardData:
		h.handleSync(c, cl, env)
	case ActionDomainPermissionGranted:
		h.handleGrant(cl, env)
	case ActionCheckPermission:
		h.handleCheck(cl, env)
	default:
		_ = cl.send(Reply{Action: env.Action, Error: "unknown action"})
	}
}

// handlePush routes a reported localStorage state through the change gate.
// An unchanged or gated report is a success with synced=false, not an error.
func (h *Handler) handlePush(c *gin.Context, cl *client, env Envelope) {
	origin := env.TabID
	if origin == "" {
		origin = cl.id
	}
	result, changed, err := h.watcher.HandlePush(c.Request.Context(), origin, env.Records, env.Metadata)
	if err != nil {
		_ = cl.send(Reply{Action: env.Action, Error: err.Error()})
		return
	}
	if !changed {
		_ = cl.send(Reply{Action: env.Action, Success: true, Data: gin.H{"changed": false}})
		return
	}
	_ = cl.send(Reply{Action: env.Action, Success: result.Success, Data: result})
}

// handleSync triggers an explicit propagation of the reported payload,
// bypassing the changed? comparison but not the gate.
func (h *Handler) handleSync(c *gin.Context, cl *client, env Envelope) {
	payload, err := types.ParsePayload(env.Records, env.Metadata)
	if err != nil {
		_ = cl.send(Reply{Action: env.Action, Error: err.Error()})
		return
	}
	origin := env.TabID
	if origin == "" {
		origin = cl.id
	}
	result := h.sync.Propagate(c.Request.Context(), payload, syncer.Options{OriginTabID: origin})
	_ = cl.send(Reply{Action: env.Action, Success: result.Success, Data: result})
}

func (h *Handler) handleGrant(cl *client, env Envelope) {
	if env.Hostname == "" {
		_ = cl.send(Reply{Action: env.Action, Error: "hostname required"})
		return
	}
	if err := h.trust.Add(env.Hostname); err != nil {
		_ = cl.send(Reply{Action: env.Action, Error: err.Error()})
		return
	}
	h.logger.Info("domain permission granted", zap.String("hostname", env.Hostname))
	_ = cl.send(Reply{Action: env.Action, Success: true, Data: gin.H{"domains": h.trust.List()}})
}

func (h *Handler) handleCheck(cl *client, env Envelope) {
	_ = cl.send(Reply{
		Action:  env.Action,
		Success: true,
		Data:    gin.H{"hostname": env.Hostname, "trusted": h.trust.IsTrusted(env.Hostname)},
	})
}

func (h *Handler) register(cl *client) {
	h.mu.Lock()
	h.clients[cl.id] = cl
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.WSConnections.Inc()
	}
	h.logger.Info("client connected", zap.String("client_id", cl.id))
}

func (h *Handler) unregister(cl *client) {
	h.mu.Lock()
	delete(h.clients, cl.id)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.WSConnections.Dec()
	}
	h.logger.Info("client disconnected", zap.String("client_id", cl.id))
}
