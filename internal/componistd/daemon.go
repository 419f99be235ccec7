package componistd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/pytrms/componist/internal/config"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
)

// DefaultPort is the default componistd listen port.
const DefaultPort = 50151

// Options configure the daemon runtime.
type Options struct {
	Hostname string
	Port     int
	Version  string

	// Listener, if set, is served instead of listening on Hostname:Port.
	Listener net.Listener
}

// Daemon serves one scheduling session until it ends or ctx is cancelled.
type Daemon struct {
	cfg    *config.Config
	logger zerolog.Logger
	opts   Options

	server     *Server
	limiter    *RateLimiter
	grpcServer *grpc.Server
}

// New constructs a daemon around a session server.
func New(cfg *config.Config, server *Server, logger zerolog.Logger, opts Options) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if server == nil {
		return nil, errors.New("server is required")
	}
	if opts.Hostname == "" {
		opts.Hostname = cfg.Daemon.Hostname
	}
	if opts.Hostname == "" {
		opts.Hostname = "127.0.0.1"
	}
	if opts.Port == 0 {
		opts.Port = cfg.Daemon.Port
	}
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}

	limiterOpts, err := RateLimiterOptions(cfg.Daemon)
	if err != nil {
		return nil, err
	}
	limiter := NewRateLimiter(limiterOpts...)
	server.limiter = limiter
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(limiter.UnaryServerInterceptor()))
	RegisterComponistServiceServer(grpcServer, server)

	return &Daemon{
		cfg:        cfg,
		logger:     logger,
		opts:       opts,
		server:     server,
		limiter:    limiter,
		grpcServer: grpcServer,
	}, nil
}

// Run serves until the session ends or ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}

	listener := d.opts.Listener
	if listener == nil {
		var err error
		listener, err = net.Listen("tcp", d.bindAddr())
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", d.bindAddr(), err)
		}
	}

	d.logger.Info().
		Str("bind", listener.Addr().String()).
		Str("version", d.opts.Version).
		Bool("rate_limit", d.limiter.IsEnabled()).
		Msg("componistd gRPC server starting")

	errCh := make(chan error, 1)
	go func() {
		if err := d.grpcServer.Serve(listener); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		d.logger.Info().Msg("componistd shutting down...")
		d.server.Shutdown(ctx, ctx.Err())
		d.grpcServer.GracefulStop()
	case <-d.server.Done():
		d.logger.Info().Msg("session ended, shutting down...")
		d.grpcServer.GracefulStop()
	case err := <-errCh:
		if err != nil {
			d.server.Shutdown(ctx, err)
			return fmt.Errorf("gRPC server error: %w", err)
		}
	}

	d.logger.Info().Msg("componistd shutdown complete")
	return nil
}

func (d *Daemon) bindAddr() string {
	return net.JoinHostPort(d.opts.Hostname, strconv.Itoa(d.opts.Port))
}

