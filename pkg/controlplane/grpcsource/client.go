package grpcsource

import (
	"context"
	"crypto/tls"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/cuemby/fleetagent/pkg/controlplane"
	"github.com/cuemby/fleetagent/pkg/types"
)

// SourceClient implements controlplane.Source over a gRPC connection: a
// TLS-wrapped grpc.Dial against an address, with client certificate and CA
// supplied by the caller (see pkg/security.NewClientTLSConfig).
type SourceClient struct {
	cc  *grpc.ClientConn
	rpc Client
}

// Dial opens a connection to addr secured with tlsConfig.
func Dial(addr string, tlsConfig *tls.Config) (*SourceClient, error) {
	creds := credentials.NewTLS(tlsConfig)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("grpcsource: dial %s: %w", addr, err)
	}
	return &SourceClient{cc: conn, rpc: NewClient(conn)}, nil
}

// Close tears down the underlying connection.
func (c *SourceClient) Close() error {
	return c.cc.Close()
}

var _ controlplane.Source = (*SourceClient)(nil)

func (c *SourceClient) CreateSession(ctx context.Context, agentID, poolID string) (*controlplane.Session, error) {
	in, err := toStruct(sessionRequest{AgentID: agentID, PoolID: poolID})
	if err != nil {
		return nil, err
	}
	out, err := c.rpc.CreateSession(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("grpcsource: CreateSession: %w", err)
	}
	var resp sessionResponse
	if err := fromStruct(out, &resp); err != nil {
		return nil, err
	}
	return &controlplane.Session{SessionID: resp.SessionID, Token: resp.Token}, nil
}

func (c *SourceClient) KeepAlive(ctx context.Context, sess *controlplane.Session) error {
	in, err := toStruct(sessionRequest{SessionID: sess.SessionID, Token: sess.Token})
	if err != nil {
		return err
	}
	if _, err := c.rpc.KeepAlive(ctx, in); err != nil {
		return fmt.Errorf("grpcsource: KeepAlive: %w", err)
	}
	return nil
}

func (c *SourceClient) DeleteSession(ctx context.Context, sess *controlplane.Session) error {
	in, err := toStruct(sessionRequest{SessionID: sess.SessionID, Token: sess.Token})
	if err != nil {
		return err
	}
	if _, err := c.rpc.DeleteSession(ctx, in); err != nil {
		return fmt.Errorf("grpcsource: DeleteSession: %w", err)
	}
	return nil
}

func (c *SourceClient) GetNext(ctx context.Context, sess *controlplane.Session) (*controlplane.Message, error) {
	in, err := toStruct(getNextRequest{SessionID: sess.SessionID, Token: sess.Token})
	if err != nil {
		return nil, err
	}
	out, err := c.rpc.GetNext(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("grpcsource: GetNext: %w", err)
	}
	var resp getNextResponse
	if err := fromStruct(out, &resp); err != nil {
		return nil, err
	}
	if !resp.Found {
		return nil, nil
	}
	return resp.Message, nil
}

func (c *SourceClient) Delete(ctx context.Context, sess *controlplane.Session, messageID string) error {
	in, err := toStruct(deleteRequest{SessionID: sess.SessionID, Token: sess.Token, MessageID: messageID})
	if err != nil {
		return err
	}
	if _, err := c.rpc.Delete(ctx, in); err != nil {
		return fmt.Errorf("grpcsource: Delete: %w", err)
	}
	return nil
}

func (c *SourceClient) Complete(ctx context.Context, sess *controlplane.Session, job *types.JobRequest, result types.Result) error {
	in, err := toStruct(completeRequest{SessionID: sess.SessionID, Token: sess.Token, Job: job, Result: result})
	if err != nil {
		return err
	}
	if _, err := c.rpc.Complete(ctx, in); err != nil {
		return fmt.Errorf("grpcsource: Complete: %w", err)
	}
	return nil
}

func (c *SourceClient) UploadTimeline(ctx context.Context, timelineID string, records []*types.TimelineRecord) error {
	in, err := toStruct(uploadTimelineRequest{TimelineID: timelineID, Records: records})
	if err != nil {
		return err
	}
	if _, err := c.rpc.UploadTimeline(ctx, in); err != nil {
		return fmt.Errorf("grpcsource: UploadTimeline: %w", err)
	}
	return nil
}
