package handlers

import (
	"context"
	"log"
	"sync"
	"time"

	"helixgate/internal/agentgraph"
	"helixgate/internal/services"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// JobEventMessage is pushed to job event subscribers
type JobEventMessage struct {
	Type    string         `json:"type"`
	JobID   string         `json:"job_id"`
	Payload map[string]any `json:"payload,omitempty"`
	SentAt  time.Time      `json:"sent_at"`
}

// JobEventsHandler streams a job's progress events over a WebSocket
type JobEventsHandler struct {
	executor *agentgraph.Executor
	bus      *services.EventBus
	metrics  *services.Metrics
}

// NewJobEventsHandler creates a new job event stream handler
func NewJobEventsHandler(executor *agentgraph.Executor, bus *services.EventBus, metrics *services.Metrics) *JobEventsHandler {
	return &JobEventsHandler{executor: executor, bus: bus, metrics: metrics}
}

// Authorize runs before the upgrade: the job must exist and belong to the
// caller
func (h *JobEventsHandler) Authorize(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	job, err := h.executor.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	if !canAccess(c, job.UserID) {
		return forbidden(c)
	}
	c.Locals("job_id", job.JobID)
	return c.Next()
}

// Handle serves one connection
// GET /ws/jobs/:id
func (h *JobEventsHandler) Handle(c *websocket.Conn) {
	connID := uuid.New().String()
	jobID, _ := c.Locals("job_id").(string)

	h.metrics.RecordWebSocketConnect()
	defer h.metrics.RecordWebSocketDisconnect()

	out := make(chan JobEventMessage, 64)
	done := make(chan struct{})
	var writeMu sync.Mutex

	unsubscribe := h.bus.Subscribe(agentgraph.Topic, func(_ context.Context, event services.Event) {
		if id, _ := event.Payload["job_id"].(string); id != jobID {
			return
		}
		msg := JobEventMessage{Type: event.Type, JobID: jobID, Payload: event.Payload, SentAt: time.Now().UTC()}
		select {
		case out <- msg:
		case <-done:
		default:
			log.Printf("⚠️  [WS] Dropping %s for slow subscriber %s", event.Type, connID)
		}
	})
	defer func() {
		unsubscribe()
		close(done)
	}()

	c.SetReadDeadline(time.Now().Add(90 * time.Second))
	c.SetPongHandler(func(string) error {
		c.SetReadDeadline(time.Now().Add(90 * time.Second))
		return nil
	})

	// Current state first, so late subscribers do not miss a finished job
	if job, err := h.executor.Get(context.Background(), jobID); err == nil {
		out <- JobEventMessage{
			Type:  "job_snapshot",
			JobID: jobID,
			Payload: map[string]any{
				"status":       string(job.Status),
				"reason":       job.Reason,
				"node":         job.CurrentNode,
				"step_index":   job.StepIndex,
				"cost_accrued": job.CostAccrued,
				"waiting_on":   job.WaitingOn,
			},
			SentAt: time.Now().UTC(),
		}
	}

	go h.writeLoop(c, connID, out, done, &writeMu)
	go h.pingLoop(c, connID, done, &writeMu)

	log.Printf("🔌 [WS] %s subscribed to job %s", connID, jobID)
	h.readLoop(c, connID)
	log.Printf("🔌 [WS] %s disconnected from job %s", connID, jobID)
}

// readLoop only drains control frames; the stream is server to client
func (h *JobEventsHandler) readLoop(c *websocket.Conn, connID string) {
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("⚠️  [WS] Read error for %s: %v", connID, err)
			}
			return
		}
		c.SetReadDeadline(time.Now().Add(90 * time.Second))
	}
}

func (h *JobEventsHandler) writeLoop(c *websocket.Conn, connID string, out <-chan JobEventMessage, done <-chan struct{}, mu *sync.Mutex) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ [WS] Panic in writeLoop: %v", r)
		}
	}()

	for {
		select {
		case <-done:
			return
		case msg := <-out:
			mu.Lock()
			err := c.WriteJSON(msg)
			mu.Unlock()
			if err != nil {
				log.Printf("❌ [WS] Write error for %s: %v", connID, err)
				return
			}
		}
	}
}

func (h *JobEventsHandler) pingLoop(c *websocket.Conn, connID string, done <-chan struct{}, mu *sync.Mutex) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			mu.Lock()
			err := c.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second))
			mu.Unlock()
			if err != nil {
				log.Printf("⚠️  [WS] Ping failed for %s: %v", connID, err)
				return
			}
		}
	}
}
