package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/KilimcininKorOglu/taskflux/internal/raft"
	"github.com/KilimcininKorOglu/taskflux/internal/taskqueue"
)

// Application error type to HTTP status mapping.
var taskErrorStatus = map[taskqueue.ErrorType]int{
	taskqueue.ErrorUnknown:                   http.StatusInternalServerError,
	taskqueue.ErrorInvalidQueueName:          http.StatusBadRequest,
	taskqueue.ErrorQueueDoesNotExist:         http.StatusNotFound,
	taskqueue.ErrorQueueAlreadyExists:        http.StatusConflict,
	taskqueue.ErrorPriorityRangeViolation:    http.StatusBadRequest,
	taskqueue.ErrorInvalidPriorityRange:      http.StatusBadRequest,
	taskqueue.ErrorInvalidMaxQueueSize:       http.StatusBadRequest,
	taskqueue.ErrorInvalidMaxPayloadSize:     http.StatusBadRequest,
	taskqueue.ErrorPriorityRangeNotSpecified: http.StatusBadRequest,
	taskqueue.ErrorUnknownPriorityQueueCode:  http.StatusBadRequest,
	taskqueue.ErrorQueueFull:                 http.StatusConflict,
	taskqueue.ErrorPayloadTooLarge:           http.StatusRequestEntityTooLarge,
}

var taskErrorCode = map[taskqueue.ErrorType]string{
	taskqueue.ErrorUnknown:                   "internal_error",
	taskqueue.ErrorInvalidQueueName:          "invalid_queue_name",
	taskqueue.ErrorQueueDoesNotExist:         "queue_not_found",
	taskqueue.ErrorQueueAlreadyExists:        "queue_exists",
	taskqueue.ErrorPriorityRangeViolation:    "priority_out_of_range",
	taskqueue.ErrorInvalidPriorityRange:      "invalid_priority_range",
	taskqueue.ErrorInvalidMaxQueueSize:       "invalid_max_size",
	taskqueue.ErrorInvalidMaxPayloadSize:     "invalid_max_payload_size",
	taskqueue.ErrorPriorityRangeNotSpecified: "priority_range_not_specified",
	taskqueue.ErrorUnknownPriorityQueueCode:  "unknown_priority_queue_code",
	taskqueue.ErrorQueueFull:                 "queue_full",
	taskqueue.ErrorPayloadTooLarge:           "payload_too_large",
}

// mapTaskError maps an application error to HTTP status and error code.
func mapTaskError(e *taskqueue.Error) (int, string) {
	status, ok := taskErrorStatus[e.Type]
	if !ok {
		return http.StatusInternalServerError, "internal_error"
	}
	return status, taskErrorCode[e.Type]
}

// mapSubmitError maps a consensus error to HTTP status and error code.
func mapSubmitError(err error) (int, string, string) {
	switch {
	case errors.Is(err, raft.ErrNotLeader):
		return http.StatusMisdirectedRequest, "not_leader", "this node is not the leader"
	case errors.Is(err, raft.ErrLeadershipLost):
		return http.StatusServiceUnavailable, "leadership_lost", "leadership lost before the command committed"
	case errors.Is(err, raft.ErrNodeStopped):
		return http.StatusServiceUnavailable, "node_stopped", "node is shutting down"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout", "command did not commit in time"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "cancelled", "request cancelled"
	default:
		return http.StatusInternalServerError, "internal_error", err.Error()
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Code:    status,
		Message: message,
	})
}

func writeTaskError(w http.ResponseWriter, e *taskqueue.Error) {
	status, code := mapTaskError(e)
	writeJSON(w, status, ErrorResponse{
		Error:     code,
		Code:      status,
		Message:   e.Message,
		ErrorType: e.Type.String(),
	})
}

// writeNotLeader answers a write sent to a follower. The leader ID is left
// out while no leader is known.
func writeNotLeader(w http.ResponseWriter, leader raft.NodeID) {
	resp := ErrorResponse{
		Error:   "not_leader",
		Code:    http.StatusMisdirectedRequest,
		Message: "this node is not the leader",
	}
	if leader != raft.NoVote {
		id := int32(leader)
		resp.LeaderID = &id
	}
	writeJSON(w, http.StatusMisdirectedRequest, resp)
}
