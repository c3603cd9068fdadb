package grpcsource

import (
	"github.com/cuemby/fleetagent/pkg/controlplane"
	"github.com/cuemby/fleetagent/pkg/types"
)

type sessionRequest struct {
	AgentID   string `json:"agentId,omitempty"`
	PoolID    string `json:"poolId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Token     string `json:"token,omitempty"`
}

type sessionResponse struct {
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
}

type getNextRequest struct {
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
}

type getNextResponse struct {
	Found   bool                  `json:"found"`
	Message *controlplane.Message `json:"message,omitempty"`
}

type deleteRequest struct {
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
	MessageID string `json:"messageId"`
}

type completeRequest struct {
	SessionID string            `json:"sessionId"`
	Token     string            `json:"token"`
	Job       *types.JobRequest `json:"job"`
	Result    types.Result      `json:"result"`
}

type uploadTimelineRequest struct {
	TimelineID string                  `json:"timelineId"`
	Records    []*types.TimelineRecord `json:"records"`
}

type emptyResponse struct{}
