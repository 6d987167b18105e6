package controller

import (
	"context"
	"net/http"
	"time"

	"cloudeval/internal/evaluation/model"
	"cloudeval/internal/evaluation/progress"
	appErr "cloudeval/pkg/errors"
	"cloudeval/pkg/utils/logger"
	"cloudeval/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	streamWriteTimeout = 5 * time.Second
	streamPingInterval = 30 * time.Second
	streamBuffer       = 128
)

// JobReader loads evaluation jobs by id. It returns nil, nil for unknown ids.
type JobReader interface {
	GetEvaluationJobByID(ctx context.Context, jobID string) (*model.EvaluationJob, error)
}

// QueueInspector reports the number of queued jobs.
type QueueInspector interface {
	QueueLength() int
}

// DropCounter reports how many progress events were discarded.
type DropCounter interface {
	Dropped() int64
}

// EvaluationController serves job status and live progress of evaluation jobs.
type EvaluationController struct {
	jobs        JobReader
	queue       QueueInspector
	broadcaster *progress.Broadcaster
	events      DropCounter
	upgrader    websocket.Upgrader
}

// NewEvaluationController creates a new controller.
func NewEvaluationController(jobs JobReader, queue QueueInspector, broadcaster *progress.Broadcaster) *EvaluationController {
	return &EvaluationController{
		jobs:        jobs,
		queue:       queue,
		broadcaster: broadcaster,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// WithDropCounter reports the dropped event count of the asynchronous event
// publisher on the queue endpoint.
func (h *EvaluationController) WithDropCounter(events DropCounter) *EvaluationController {
	h.events = events
	return h
}

// Register mounts the routes on group.
func (h *EvaluationController) Register(group *gin.RouterGroup) {
	group.GET("/jobs/:id", h.GetJob)
	group.GET("/jobs/:id/events", h.StreamEvents)
	group.GET("/queue", h.GetQueue)
}

// GetJob returns the stored state of one job.
func (h *EvaluationController) GetJob(c *gin.Context) {
	job, ok := h.loadJob(c)
	if !ok {
		return
	}
	response.Success(c, job)
}

// GetQueue returns the number of jobs waiting to run along with progress
// delivery counters.
func (h *EvaluationController) GetQueue(c *gin.Context) {
	data := gin.H{"pending": h.queue.QueueLength()}
	if h.broadcaster != nil {
		data["stream_subscribers"] = h.broadcaster.Subscribers()
	}
	if h.events != nil {
		data["dropped_events"] = h.events.Dropped()
	}
	response.Success(c, data)
}

// StreamEvents upgrades to a websocket and forwards the progress events of one
// job. The current job state is sent first; the stream closes once the job
// reports its final event or the client goes away.
func (h *EvaluationController) StreamEvents(c *gin.Context) {
	if h.broadcaster == nil {
		response.ErrorWithCode(c, appErr.ServiceUnavailable, "progress stream is disabled")
		return
	}
	job, ok := h.loadJob(c)
	if !ok {
		return
	}
	// subscribe before upgrading so no event emitted in between is lost
	events, unsubscribe := h.broadcaster.Subscribe(job.ID, streamBuffer)
	defer unsubscribe()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn(c.Request.Context(), "websocket upgrade failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	if err := writeJSON(conn, gin.H{"name": "snapshot", "job": job}); err != nil {
		return
	}
	if job.Status.IsTerminal() {
		closeStream(conn, "job finished")
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := writeJSON(conn, event); err != nil {
				logger.Debug(c.Request.Context(), "progress stream write failed", zap.Error(err))
				return
			}
			if isFinalEvent(job.Type, event) {
				closeStream(conn, "job finished")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
				return
			}
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func (h *EvaluationController) loadJob(c *gin.Context) (*model.EvaluationJob, bool) {
	jobID := c.Param("id")
	if jobID == "" {
		response.BadRequest(c, "Invalid job id")
		return nil, false
	}
	job, err := h.jobs.GetEvaluationJobByID(c.Request.Context(), jobID)
	if err != nil {
		response.Error(c, err)
		return nil, false
	}
	if job == nil {
		response.ErrorWithCode(c, appErr.EvaluationJobNotFound, "")
		return nil, false
	}
	return job, true
}

func isFinalEvent(jobType model.JobType, event progress.Event) bool {
	if event.Name == progress.JobFinished {
		return true
	}
	switch jobType {
	case model.JobTypeAssessment:
		return event.Name == progress.EvaluationCompleted
	case model.JobTypeBatch:
		return event.Name == progress.BatchEvaluationProgress && event.Total > 0 && event.Completed+event.Failed >= event.Total
	}
	return false
}

func writeJSON(conn *websocket.Conn, v interface{}) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return conn.WriteJSON(v)
}

func closeStream(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(streamWriteTimeout))
}
