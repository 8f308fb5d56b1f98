package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/KilimcininKorOglu/taskflux/internal/raft"
	"github.com/KilimcininKorOglu/taskflux/internal/taskqueue"
)

// Version is reported by the health endpoint.
var Version = "dev"

// Consensus is the part of the consensus node the API needs.
type Consensus interface {
	Submit(ctx context.Context, cmd []byte) ([]byte, error)
	Status() raft.Status
}

// Handlers contains all REST API handlers.
type Handlers struct {
	node           Consensus
	requestTimeout time.Duration
	startTime      time.Time
	requestCount   int64
}

// NewHandlers creates new handlers.
func NewHandlers(node Consensus, requestTimeout time.Duration) *Handlers {
	return &Handlers{
		node:           node,
		requestTimeout: requestTimeout,
		startTime:      time.Now(),
	}
}

// HandleHealth handles GET /api/v1/health
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(h.startTime)
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:     "ok",
		Version:    Version,
		Uptime:     uptime.Round(time.Second).String(),
		UptimeSecs: int64(uptime.Seconds()),
		StartTime:  h.startTime,
		Requests:   atomic.LoadInt64(&h.requestCount),
	})
}

// HandleClusterStatus handles GET /api/v1/cluster
func (h *Handlers) HandleClusterStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.node.Status())
}

// HandleListQueues handles GET /api/v1/queues
func (h *Handlers) HandleListQueues(w http.ResponseWriter, r *http.Request) {
	res, ok := h.execute(w, r, taskqueue.ListQueues{})
	if !ok {
		return
	}
	list, ok := res.(taskqueue.ListQueuesResult)
	if !ok {
		writeUnexpected(w, res)
		return
	}

	queues := make([]Queue, 0, len(list.Queues))
	for _, info := range list.Queues {
		queues = append(queues, convertQueue(info))
	}
	writeJSON(w, http.StatusOK, ListQueuesResponse{Queues: queues})
}

// HandleCreateQueue handles POST /api/v1/queues
func (h *Handlers) HandleCreateQueue(w http.ResponseWriter, r *http.Request) {
	var req CreateQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "missing_name", "queue name is required")
		return
	}

	res, ok := h.execute(w, r, taskqueue.CreateQueue{
		Name:    taskqueue.QueueName(req.Name),
		Options: req.options(),
	})
	if !ok {
		return
	}
	if _, ok := res.(taskqueue.OkResult); !ok {
		writeUnexpected(w, res)
		return
	}
	writeJSON(w, http.StatusCreated, SuccessResponse{Success: true})
}

// HandleDeleteQueue handles DELETE /api/v1/queues/{name}
func (h *Handlers) HandleDeleteQueue(w http.ResponseWriter, r *http.Request) {
	res, ok := h.execute(w, r, taskqueue.DeleteQueue{Name: queueParam(r)})
	if !ok {
		return
	}
	if _, ok := res.(taskqueue.OkResult); !ok {
		writeUnexpected(w, res)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// HandleCount handles GET /api/v1/queues/{name}/count
func (h *Handlers) HandleCount(w http.ResponseWriter, r *http.Request) {
	name := queueParam(r)
	res, ok := h.execute(w, r, taskqueue.Count{Queue: name})
	if !ok {
		return
	}
	count, ok := res.(taskqueue.CountResult)
	if !ok {
		writeUnexpected(w, res)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Queue: name.String(), Count: count.Count})
}

// HandleEnqueue handles POST /api/v1/queues/{name}/enqueue
func (h *Handlers) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	res, ok := h.execute(w, r, taskqueue.Enqueue{
		Queue:    queueParam(r),
		Priority: req.Priority,
		Payload:  req.Payload,
	})
	if !ok {
		return
	}
	enq, ok := res.(taskqueue.EnqueueResult)
	if !ok {
		writeUnexpected(w, res)
		return
	}
	if !enq.Ok {
		writeError(w, http.StatusConflict, "queue_full", "queue is full")
		return
	}
	writeJSON(w, http.StatusOK, EnqueueResponse{Enqueued: true})
}

// HandleDequeue handles POST /api/v1/queues/{name}/dequeue
func (h *Handlers) HandleDequeue(w http.ResponseWriter, r *http.Request) {
	res, ok := h.execute(w, r, taskqueue.Dequeue{Queue: queueParam(r)})
	if !ok {
		return
	}
	deq, ok := res.(taskqueue.DequeueResult)
	if !ok {
		writeUnexpected(w, res)
		return
	}
	if !deq.Ok {
		writeJSON(w, http.StatusOK, DequeueResponse{Found: false})
		return
	}
	writeJSON(w, http.StatusOK, DequeueResponse{
		Found:    true,
		Priority: deq.Item.Priority,
		Payload:  deq.Item.Payload,
	})
}

// execute submits cmd and decodes its result. Failures are written to w and
// reported as false.
func (h *Handlers) execute(w http.ResponseWriter, r *http.Request, cmd taskqueue.Command) (taskqueue.Result, bool) {
	atomic.AddInt64(&h.requestCount, 1)

	data, err := taskqueue.EncodeCommand(cmd)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_command", err.Error())
		return nil, false
	}

	ctx := r.Context()
	if h.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.requestTimeout)
		defer cancel()
	}

	out, err := h.node.Submit(ctx, data)
	if err != nil {
		if errors.Is(err, raft.ErrNotLeader) {
			writeNotLeader(w, h.node.Status().LeaderID)
			return nil, false
		}
		status, code, msg := mapSubmitError(err)
		writeError(w, status, code, msg)
		return nil, false
	}

	res, err := taskqueue.DecodeResult(out)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "invalid_result", err.Error())
		return nil, false
	}
	var taskErr *taskqueue.Error
	if err, ok := res.(error); ok && errors.As(err, &taskErr) {
		writeTaskError(w, taskErr)
		return nil, false
	}
	return res, true
}

func queueParam(r *http.Request) taskqueue.QueueName {
	return taskqueue.QueueName(chi.URLParam(r, "name"))
}

func writeUnexpected(w http.ResponseWriter, res taskqueue.Result) {
	writeError(w, http.StatusInternalServerError, "unexpected_result", fmt.Sprintf("unexpected result %T", res))
}
