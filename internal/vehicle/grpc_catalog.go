package vehicle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// Full method names of the remote reference service. Requests and responses
// are google.protobuf.Struct; responses carry a "values" string list.
const (
	methodListMakes  = "/vehicles.v1.VehicleCatalog/ListMakes"
	methodListModels = "/vehicles.v1.VehicleCatalog/ListModels"
	methodListTrims  = "/vehicles.v1.VehicleCatalog/ListTrims"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GRPCCatalogConfig holds connection settings for the remote catalogue.
type GRPCCatalogConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGRPCCatalogConfig returns default connection settings for addr.
func DefaultGRPCCatalogConfig(addr string) GRPCCatalogConfig {
	return GRPCCatalogConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   3 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GRPCCatalog is a Catalog served by a remote vehicle reference service.
type GRPCCatalog struct {
	conn           *grpc.ClientConn
	requestTimeout time.Duration
	logger         *slog.Logger
}

// NewGRPCCatalog dials the reference service and waits until the connection
// is ready so bad endpoints fail at startup.
func NewGRPCCatalog(cfg GRPCCatalogConfig, logger *slog.Logger) (*GRPCCatalog, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create vehicle catalog client for %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("vehicle catalog at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to vehicle catalog", "address", cfg.Address)
	return NewGRPCCatalogFromConn(conn, cfg.RequestTimeout, logger), nil
}

// NewGRPCCatalogFromConn wraps an existing client connection.
func NewGRPCCatalogFromConn(conn *grpc.ClientConn, requestTimeout time.Duration, logger *slog.Logger) *GRPCCatalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &GRPCCatalog{conn: conn, requestTimeout: requestTimeout, logger: logger}
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
func (c *GRPCCatalog) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Makes implements Catalog.
func (c *GRPCCatalog) Makes(ctx context.Context, year int) ([]string, error) {
	return c.list(ctx, methodListMakes, map[string]any{"year": year})
}

// Models implements Catalog.
func (c *GRPCCatalog) Models(ctx context.Context, year int, makeName string) ([]string, error) {
	return c.list(ctx, methodListModels, map[string]any{"year": year, "make": makeName})
}

// Trims implements Catalog.
func (c *GRPCCatalog) Trims(ctx context.Context, year int, makeName, model string) ([]string, error) {
	return c.list(ctx, methodListTrims, map[string]any{"year": year, "make": makeName, "model": model})
}

func (c *GRPCCatalog) list(ctx context.Context, method string, fields map[string]any) ([]string, error) {
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", path.Base(method), err)
	}

	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		return nil, fmt.Errorf("vehicle catalog %s failed: %w", path.Base(method), err)
	}

	values := resp.GetFields()["values"].GetListValue().GetValues()
	out := make([]string, 0, len(values))
	for _, v := range values {
		if s := v.GetStringValue(); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}
