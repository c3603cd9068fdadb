package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cuemby/fleetagent/pkg/types"
)

// ErrUnauthorized is returned (wrapped) by GetNext/KeepAlive when the
// session's credentials have expired or been revoked, distinct from a
// transient network failure: the caller gets exactly one chance to refresh
// before giving up.
var ErrUnauthorized = errors.New("controlplane: unauthorized")

// MessageKind distinguishes what GetNext returned, mirroring the routing
// pkg/listener performs on it.
type MessageKind string

const (
	MessageKindJobRequest        MessageKind = "job-request"
	MessageKindCancelJob         MessageKind = "cancel-job"
	MessageKindJobMetadataUpdate MessageKind = "job-metadata-update"
	MessageKindAgentRefresh      MessageKind = "agent-refresh"
)

// Message is one item returned by GetNext. Body is kind-specific; use
// DecodeJobRequest/DecodeCancelJob/DecodeMetadataUpdate to unmarshal it.
type Message struct {
	ID   string
	Kind MessageKind
	Body json.RawMessage
}

// DecodeJobRequest unmarshals m.Body as a *types.JobRequest. The caller
// must have already checked m.Kind == MessageKindJobRequest.
func (m *Message) DecodeJobRequest() (*types.JobRequest, error) {
	var job types.JobRequest
	if err := json.Unmarshal(m.Body, &job); err != nil {
		return nil, fmt.Errorf("controlplane: decode job request: %w", err)
	}
	return &job, nil
}

// CancelJobBody is the payload of a MessageKindCancelJob message.
type CancelJobBody struct {
	JobID  string
	Reason string
}

// DecodeCancelJob unmarshals m.Body as a CancelJobBody.
func (m *Message) DecodeCancelJob() (CancelJobBody, error) {
	var body CancelJobBody
	if err := json.Unmarshal(m.Body, &body); err != nil {
		return body, fmt.Errorf("controlplane: decode cancel-job: %w", err)
	}
	return body, nil
}

// MetadataUpdateBody is the payload of a MessageKindJobMetadataUpdate message.
type MetadataUpdateBody struct {
	JobID     string
	Variables map[string]string
}

// DecodeMetadataUpdate unmarshals m.Body as a MetadataUpdateBody.
func (m *Message) DecodeMetadataUpdate() (MetadataUpdateBody, error) {
	var body MetadataUpdateBody
	if err := json.Unmarshal(m.Body, &body); err != nil {
		return body, fmt.Errorf("controlplane: decode job-metadata-update: %w", err)
	}
	return body, nil
}

// Session is the handle CreateSession returns and every subsequent call
// authenticates with.
type Session struct {
	SessionID string
	Token     string
}

// Source is everything a Listener and a Job Runner need from the control
// plane. GetNext long-polls: a nil, nil return means no message arrived
// before the implementation's own poll deadline, not an error.
type Source interface {
	CreateSession(ctx context.Context, agentID, poolID string) (*Session, error)
	KeepAlive(ctx context.Context, sess *Session) error
	DeleteSession(ctx context.Context, sess *Session) error

	GetNext(ctx context.Context, sess *Session) (*Message, error)
	Delete(ctx context.Context, sess *Session, messageID string) error

	Complete(ctx context.Context, sess *Session, job *types.JobRequest, result types.Result) error
	UploadTimeline(ctx context.Context, timelineID string, records []*types.TimelineRecord) error
}
