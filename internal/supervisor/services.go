package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const defaultShutdownTimeout = 10 * time.Second

// ListenFunc opens the listener a server service accepts on. It is called on
// every (re)start.
type ListenFunc func() (net.Listener, error)

// TCPListener returns a ListenFunc for addr.
func TCPListener(addr string) ListenFunc {
	return func() (net.Listener, error) {
		return net.Listen("tcp", addr)
	}
}

// HTTPServer is the part of *http.Server the service drives.
type HTTPServer interface {
	Serve(l net.Listener) error
	Shutdown(ctx context.Context) error
}

// HTTPServerService runs an HTTP server as a supervised service.
type HTTPServerService struct {
	name            string
	server          HTTPServer
	listen          ListenFunc
	shutdownTimeout time.Duration
}

// NewHTTPServerService wraps server. Non-positive shutdownTimeout uses 10s.
func NewHTTPServerService(name string, server HTTPServer, listen ListenFunc, shutdownTimeout time.Duration) *HTTPServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	return &HTTPServerService{
		name:            name,
		server:          server,
		listen:          listen,
		shutdownTimeout: shutdownTimeout,
	}
}

// Serve accepts connections until ctx is cancelled, then shuts the server
// down gracefully.
func (h *HTTPServerService) Serve(ctx context.Context) error {
	lis, err := h.listen()
	if err != nil {
		return fmt.Errorf("%s: listen: %w", h.name, err)
	}

	errCh := make(chan error, 1)
	go func() {
		err := h.server.Serve(lis)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s: serve: %w", h.name, err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("%s: shutdown: %w", h.name, err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPServerService) String() string { return h.name }

// GRPCServer is the part of *grpc.Server the service drives.
type GRPCServer interface {
	Serve(l net.Listener) error
	GracefulStop()
	Stop()
}

// GRPCServerService runs a gRPC server as a supervised service.
type GRPCServerService struct {
	name            string
	server          GRPCServer
	listen          ListenFunc
	shutdownTimeout time.Duration
}

// NewGRPCServerService wraps server. Non-positive shutdownTimeout uses 10s.
func NewGRPCServerService(name string, server GRPCServer, listen ListenFunc, shutdownTimeout time.Duration) *GRPCServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	return &GRPCServerService{
		name:            name,
		server:          server,
		listen:          listen,
		shutdownTimeout: shutdownTimeout,
	}
}

// Serve accepts RPCs until ctx is cancelled. Shutdown is graceful unless it
// overruns the timeout, in which case open streams are cut.
func (g *GRPCServerService) Serve(ctx context.Context) error {
	lis, err := g.listen()
	if err != nil {
		return fmt.Errorf("%s: listen: %w", g.name, err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- g.server.Serve(lis) }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s: serve: %w", g.name, err)
		}
		return nil
	case <-ctx.Done():
		stopped := make(chan struct{})
		go func() {
			g.server.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(g.shutdownTimeout):
			g.server.Stop()
			<-stopped
		}
		<-errCh
		return ctx.Err()
	}
}

func (g *GRPCServerService) String() string { return g.name }

// PeriodicService runs a task on a fixed interval. A failing run is logged
// and retried on the next tick rather than restarting the service.
type PeriodicService struct {
	name     string
	interval time.Duration
	task     func(ctx context.Context) error
	logger   *slog.Logger
}

// NewPeriodicService runs task once at start and then every interval.
func NewPeriodicService(name string, interval time.Duration, task func(ctx context.Context) error, logger *slog.Logger) *PeriodicService {
	if interval <= 0 {
		panic("periodic service interval must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PeriodicService{
		name:     name,
		interval: interval,
		task:     task,
		logger:   logger.With("service", name),
	}
}

// Serve runs until ctx is cancelled.
func (p *PeriodicService) Serve(ctx context.Context) error {
	p.run(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.run(ctx)
		}
	}
}

func (p *PeriodicService) run(ctx context.Context) {
	if err := p.task(ctx); err != nil && ctx.Err() == nil {
		p.logger.WarnContext(ctx, "periodic task failed", "error", err)
	}
}

func (p *PeriodicService) String() string { return p.name }
