package server

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the gRPC health service name reported for the API.
const ServiceName = "flightlog.v1.Orchestrator"

const healthProbeInterval = 15 * time.Second

// pinger is the part of the store the health probe needs.
type pinger interface {
	Ping(ctx context.Context) error
}

// grpcHealth serves the standard gRPC health protocol. The serving status
// follows the database connection.
type grpcHealth struct {
	server *grpc.Server
	health *health.Server
	store  pinger
	logger *zap.Logger

	done     chan struct{}
	stopOnce sync.Once
}

func newGRPCHealth(store pinger, logger *zap.Logger) *grpcHealth {
	s := grpc.NewServer(
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.ConnectionTimeout(30*time.Second),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    2 * time.Minute,
			Timeout: 20 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             30 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(s, hs)
	reflection.Register(s)

	return &grpcHealth{
		server: s,
		health: hs,
		store:  store,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// serve blocks serving ln and probes the store until stop is called.
func (g *grpcHealth) serve(ln net.Listener) error {
	g.probe()
	go g.watch()
	return g.server.Serve(ln)
}

func (g *grpcHealth) watch() {
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			g.probe()
		}
	}
}

func (g *grpcHealth) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status := grpc_health_v1.HealthCheckResponse_SERVING
	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("database ping failed", zap.Error(err))
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(ServiceName, status)
}

// stop marks the service as not serving and drains connections, forcing
// the stop after five seconds.
func (g *grpcHealth) stop() {
	g.stopOnce.Do(func() {
		close(g.done)
		g.health.Shutdown()

		stopped := make(chan struct{})
		go func() {
			g.server.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			g.logger.Warn("gRPC server forced to stop after timeout")
			g.server.Stop()
		}
	})
}
