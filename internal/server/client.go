package server

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/bbqueue/internal/journal"
	"github.com/ChuLiYu/bbqueue/internal/wrkqmgr"
	"github.com/ChuLiYu/bbqueue/pkg/types"
)

// Client calls QueueService over an existing connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// AppendRequest appends cmd to the journal of the server and returns where
// it landed. 64-bit ids travel as decimal strings.
func (c *Client) AppendRequest(ctx context.Context, cmd journal.Command, opts ...grpc.CallOption) (journal.Position, error) {
	in, err := structpb.NewStruct(map[string]interface{}{
		"verb":         cmd.Verb,
		"job_id":       strconv.FormatUint(cmd.JobID, 10),
		"job_step_id":  strconv.FormatUint(cmd.JobStepID, 10),
		"handle":       strconv.FormatUint(cmd.Handle, 10),
		"contrib_id":   float64(cmd.ContribID),
		"cancel_scope": strconv.FormatUint(cmd.CancelScope, 10),
		"str1":         cmd.Str1,
		"str2":         cmd.Str2,
	})
	if err != nil {
		return journal.Position{}, errors.Wrap(err, "encode request")
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("AppendRequest"), in, out, opts...); err != nil {
		return journal.Position{}, err
	}
	f := out.GetFields()
	return journal.Position{
		Seq:    int(f["seq"].GetNumberValue()),
		Offset: uint64(f["offset"].GetNumberValue()),
	}, nil
}

// SetThrottleRate sets the rate of the queue for key.
func (c *Client) SetThrottleRate(ctx context.Context, key types.LVKey, rate uint64, opts ...grpc.CallOption) error {
	in, err := structpb.NewStruct(map[string]interface{}{
		"connection": key.Connection,
		"uuid":       key.UUID,
		"rate":       strconv.FormatUint(rate, 10),
	})
	if err != nil {
		return errors.Wrap(err, "encode request")
	}
	return c.cc.Invoke(ctx, fullMethod("SetThrottleRate"), in, new(emptypb.Empty), opts...)
}

// SetSuspended suspends or resumes the queue for key. It reports whether the
// state changed.
func (c *Client) SetSuspended(ctx context.Context, key types.LVKey, suspend bool, opts ...grpc.CallOption) (bool, error) {
	in, err := structpb.NewStruct(map[string]interface{}{
		"connection": key.Connection,
		"uuid":       key.UUID,
		"suspended":  suspend,
	})
	if err != nil {
		return false, errors.Wrap(err, "encode request")
	}
	out := new(wrapperspb.BoolValue)
	if err := c.cc.Invoke(ctx, fullMethod("SetSuspended"), in, out, opts...); err != nil {
		return false, err
	}
	return out.GetValue(), nil
}

// GetStatus fetches the manager status.
func (c *Client) GetStatus(ctx context.Context, opts ...grpc.CallOption) (wrkqmgr.Status, error) {
	var st wrkqmgr.Status
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, fullMethod("GetStatus"), &emptypb.Empty{}, out, opts...); err != nil {
		return st, err
	}
	if err := json.Unmarshal(out.GetValue(), &st); err != nil {
		return st, errors.Wrap(err, "decode status")
	}
	return st, nil
}
