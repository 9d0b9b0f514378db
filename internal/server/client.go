package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ppiankov/toolwarden/internal/dlp"
	"github.com/ppiankov/toolwarden/internal/escalation"
	"github.com/ppiankov/toolwarden/internal/governance"
)

// Client is a typed client for the Governance service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	req, err := toStruct(in)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), req, resp, opts...); err != nil {
		return err
	}
	return fromStruct(resp, out)
}

// Check runs a governance check remotely.
func (c *Client) Check(ctx context.Context, req governance.Request, opts ...grpc.CallOption) (governance.Result, error) {
	var res governance.Result
	err := c.invoke(ctx, MethodCheck, req, &res, opts...)
	return res, err
}

// Approve approves a pending token.
func (c *Client) Approve(ctx context.Context, token string, opts ...grpc.CallOption) (escalation.Outcome, error) {
	var out escalation.Outcome
	err := c.invoke(ctx, MethodApprove, tokenRequest{Token: token}, &out, opts...)
	return out, err
}

// Deny denies a pending or approved token.
func (c *Client) Deny(ctx context.Context, token string, opts ...grpc.CallOption) (escalation.Outcome, error) {
	var out escalation.Outcome
	err := c.invoke(ctx, MethodDeny, tokenRequest{Token: token}, &out, opts...)
	return out, err
}

// ListPending returns tokens awaiting review.
func (c *Client) ListPending(ctx context.Context, opts ...grpc.CallOption) (PendingReply, error) {
	var out PendingReply
	err := c.invoke(ctx, MethodListPending, struct{}{}, &out, opts...)
	return out, err
}

// Scan runs DLP over tool output remotely.
func (c *Client) Scan(ctx context.Context, req governance.OutputRequest, opts ...grpc.CallOption) (dlp.ScanResult, error) {
	var out dlp.ScanResult
	err := c.invoke(ctx, MethodScan, req, &out, opts...)
	return out, err
}

// Redact redacts tool output remotely.
func (c *Client) Redact(ctx context.Context, req governance.OutputRequest, opts ...grpc.CallOption) (RedactReply, error) {
	var out RedactReply
	err := c.invoke(ctx, MethodRedact, req, &out, opts...)
	return out, err
}
