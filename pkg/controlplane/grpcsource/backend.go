package grpcsource

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cuemby/fleetagent/pkg/controlplane"
	"github.com/cuemby/fleetagent/pkg/types"
)

// Backend is an in-memory reference implementation of Server: one FIFO
// message queue shared by all sessions and an append-only timeline store
// per timeline ID.
// It exists to exercise the transport end-to-end in tests and to give an
// on-prem deployment something to run before it has its own control-plane
// backend to bridge to.
type Backend struct {
	mu        sync.Mutex
	sessions  map[string]string
	queue     []*controlplane.Message
	timelines map[string][]*types.TimelineRecord
}

// NewBackend constructs an empty Backend.
func NewBackend() *Backend {
	return &Backend{
		sessions:  make(map[string]string),
		timelines: make(map[string][]*types.TimelineRecord),
	}
}

// Enqueue appends msg to the tail of the queue GetNext reads from, for tests and for
// bridging an external queue into this reference transport.
func (b *Backend) Enqueue(msg *controlplane.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, msg)
}

// Timeline returns every record UploadTimeline has received for timelineID.
func (b *Backend) Timeline(timelineID string) []*types.TimelineRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*types.TimelineRecord(nil), b.timelines[timelineID]...)
}

func (b *Backend) authenticate(sessionID, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	want, ok := b.sessions[sessionID]
	if !ok || want != token {
		return fmt.Errorf("grpcsource: invalid or expired session %q", sessionID)
	}
	return nil
}

func (b *Backend) CreateSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req sessionRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	sessionID := uuid.NewString()
	token := uuid.NewString()
	b.mu.Lock()
	b.sessions[sessionID] = token
	b.mu.Unlock()
	return toStruct(sessionResponse{SessionID: sessionID, Token: token})
}

func (b *Backend) KeepAlive(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req sessionRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	if err := b.authenticate(req.SessionID, req.Token); err != nil {
		return nil, err
	}
	return toStruct(emptyResponse{})
}

func (b *Backend) DeleteSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req sessionRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	b.mu.Lock()
	delete(b.sessions, req.SessionID)
	b.mu.Unlock()
	return toStruct(emptyResponse{})
}

func (b *Backend) GetNext(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req getNextRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	if err := b.authenticate(req.SessionID, req.Token); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return toStruct(getNextResponse{Found: false})
	}
	msg := b.queue[0]
	b.queue = b.queue[1:]
	return toStruct(getNextResponse{Found: true, Message: msg})
}

func (b *Backend) Delete(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req deleteRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	if err := b.authenticate(req.SessionID, req.Token); err != nil {
		return nil, err
	}
	return toStruct(emptyResponse{})
}

func (b *Backend) Complete(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req completeRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	if err := b.authenticate(req.SessionID, req.Token); err != nil {
		return nil, err
	}
	return toStruct(emptyResponse{})
}

func (b *Backend) UploadTimeline(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req uploadTimelineRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.timelines[req.TimelineID] = append(b.timelines[req.TimelineID], req.Records...)
	b.mu.Unlock()
	return toStruct(emptyResponse{})
}
