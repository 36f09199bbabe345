package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// StreamMethod is the server-streaming RPC exposed by the graph engine.
// Requests and responses are google.protobuf.Struct values.
const StreamMethod = "/ama.agent.v1.AgentEngine/Stream"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

var streamDesc = grpc.StreamDesc{
	StreamName:    "Stream",
	ServerStreams: true,
}

// GrpcClient streams graph runs from the engine service.
type GrpcClient struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcClientConfig returns default configuration.
func DefaultGrpcClientConfig() GrpcClientConfig {
	return GrpcClientConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcClient connects to the engine and waits until the channel is ready.
func NewGrpcClient(addr string, logger *slog.Logger, opts ...grpc.DialOption) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := DefaultGrpcClientConfig()
	if addr != "" {
		cfg.Address = addr
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveTime,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: false,
		}),
	}
	dialOpts = append(dialOpts, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to agent engine at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("agent engine at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to agent engine", "address", cfg.Address)

	return &GrpcClient{
		conn:   conn,
		addr:   cfg.Address,
		logger: logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Stream runs the graph and yields each emission in arrival order.
func (c *GrpcClient) Stream(ctx context.Context, state State, cfg StreamConfig) iter.Seq2[Emission, error] {
	return func(yield func(Emission, error) bool) {
		req, err := buildStreamRequest(state, cfg)
		if err != nil {
			yield(Emission{}, err)
			return
		}

		// Cancelling the context tears down the RPC if the consumer stops early.
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := c.conn.NewStream(ctx, &streamDesc, StreamMethod)
		if err != nil {
			yield(Emission{}, fmt.Errorf("stream request failed: %w", err))
			return
		}
		if err := stream.SendMsg(req); err != nil {
			yield(Emission{}, fmt.Errorf("send stream request: %w", err))
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield(Emission{}, fmt.Errorf("close stream send: %w", err))
			return
		}

		for {
			resp := new(structpb.Struct)
			err := stream.RecvMsg(resp)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				c.logger.Debug("agent stream error", "error", err, "thread_id", cfg.ThreadID)
				yield(Emission{}, fmt.Errorf("agent stream error: %w", err))
				return
			}

			b, err := protojson.Marshal(resp)
			if err != nil {
				yield(Emission{}, fmt.Errorf("encode emission: %w", err))
				return
			}
			em, err := DecodeEmission(b)
			if err != nil {
				yield(Emission{}, err)
				return
			}
			if !yield(em, nil) {
				return
			}
		}
	}
}

func buildStreamRequest(state State, cfg StreamConfig) (*structpb.Struct, error) {
	b, err := json.Marshal(struct {
		State  State        `json:"state"`
		Config StreamConfig `json:"config"`
	}{State: state, Config: cfg})
	if err != nil {
		return nil, fmt.Errorf("encode stream request: %w", err)
	}

	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("encode stream request: %w", err)
	}
	req, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encode stream request: %w", err)
	}
	return req, nil
}
