package grpcclient

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/bgremove/internal/logging"
)

// DialMatting returns a ready-to-use gRPC client for the matting service.
func DialMatting(ctx context.Context, addr string, logger *zap.Logger) (*MattingClient, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_matting", "", err)
		logger.Error("failed to dial matting service", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewMattingClient(conn, logger), conn, nil
}

// NewMattingClient wraps an established connection.
func NewMattingClient(conn grpc.ClientConnInterface, logger *zap.Logger) *MattingClient {
	return &MattingClient{conn: conn, logger: logger.Named("matting_grpc")}
}

// MattingClient implements matting.Backend over gRPC.
type MattingClient struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

func (c *MattingClient) Remove(ctx context.Context, data []byte) ([]byte, error) {
	out := &wrapperspb.BytesValue{}
	if err := c.conn.Invoke(ctx, removeBackgroundMethod, wrapperspb.Bytes(data), out); err != nil {
		wrapped := logging.NewOperationError("grpcclient.remove_background", "", err)
		c.logger.Error("matting call failed", zap.Error(wrapped), zap.Int("input_bytes", len(data)))
		return nil, wrapped
	}
	return out.GetValue(), nil
}
