// Package web exposes slicewise inference over HTTP.
//
// A Server owns a pool of loaded models plus the slicing options used to run
// them, and can be reconfigured live without dropping requests that are
// already in flight. Handlers are plain JSON/NIfTI over a gorilla mux router.
package web

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/cors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/slicewise/slicewise/config"
	"github.com/slicewise/slicewise/logging"
	"github.com/slicewise/slicewise/ml/inference"
	"github.com/slicewise/slicewise/segmentation"
)

const (
	readHeaderTimeout = 10 * time.Second
	// requestTimeout bounds a single request including model time; whole
	// volumes through a slow runtime can take a while.
	requestTimeout  = 5 * time.Minute
	shutdownTimeout = 10 * time.Second
	drainTimeout    = time.Minute

	// maxRequestBytes caps an uploaded volume at 1GiB.
	maxRequestBytes = 1 << 30
)

// errNotReady is returned by handlers before the first successful Reconfigure.
var errNotReady = errors.New("no model configured")

// Server serves volume inference over HTTP.
type Server struct {
	logger logging.Logger

	mu     sync.RWMutex
	conf   *config.Config
	pool   *inference.Pool
	labels []string

	addr string
}

// New returns a Server with no model loaded; call Reconfigure before Serve.
func New(logger logging.Logger) *Server {
	return &Server{logger: logger}
}

// Reconfigure loads the model described by conf and swaps it in. Requests
// running against the previous pool finish on it; the old pool is closed once
// it drains. On error the previous configuration stays active.
func (s *Server) Reconfigure(ctx context.Context, conf *config.Config) error {
	if err := conf.Ensure(); err != nil {
		return err
	}
	pool, err := inference.NewPool(ctx, conf.Model.PoolSize, func() (inference.Model, error) {
		return inference.New(ctx, conf.Model.Config, s.logger)
	})
	if err != nil {
		return errors.Wrap(err, "cannot load model")
	}

	labels := s.loadLabels(ctx, conf, pool)

	s.mu.Lock()
	old := s.pool
	s.pool = pool
	s.conf = conf
	s.labels = labels
	s.mu.Unlock()

	if old != nil {
		s.drainPool(old)
	}
	s.logger.Infow("model configured",
		"runtime", conf.Model.Runtime,
		"path", conf.Model.Path,
		"pool_size", conf.Model.PoolSize,
		"labels", len(labels))
	return nil
}

func (s *Server) loadLabels(ctx context.Context, conf *config.Config, pool *inference.Pool) []string {
	if conf.Model.LabelPath != "" {
		labels, err := segmentation.ReadLabels(conf.Model.LabelPath)
		if err != nil {
			s.logger.Errorw("cannot read label file", "path", conf.Model.LabelPath, "error", err)
			return nil
		}
		return labels
	}
	md, err := pool.Metadata(ctx)
	if err != nil {
		return nil
	}
	return segmentation.LabelsFromMetadata(md)
}

// drainPool closes pool once no request is using it anymore.
func (s *Server) drainPool(pool *inference.Pool) {
	goutils.PanicCapturingGo(func() {
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		for pool.Stats().InUse > 0 {
			if !goutils.SelectContextOrWait(ctx, 100*time.Millisecond) {
				s.logger.Warnw("closing previous model pool with requests still in flight",
					"in_use", pool.Stats().InUse)
				break
			}
		}
		if err := pool.Close(context.Background()); err != nil {
			s.logger.Errorw("cannot close previous model pool", "error", err)
		}
	})
}

// current returns the active pool and configuration.
func (s *Server) current() (*inference.Pool, *config.Config, []string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pool == nil || s.conf == nil {
		return nil, nil, nil, errNotReady
	}
	return s.pool, s.conf, s.labels, nil
}

// Addr returns the address the server is listening on, once Serve has bound it.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Serve listens on bindAddress until ctx is cancelled, then shuts down
// gracefully. An empty bindAddress falls back to config.DefaultBindAddress.
func (s *Server) Serve(ctx context.Context, bindAddress string) error {
	if bindAddress == "" {
		bindAddress = config.DefaultBindAddress
	}
	listener, err := net.Listen("tcp", bindAddress)
	if err != nil {
		return errors.Wrapf(err, "cannot listen on %q", bindAddress)
	}
	s.mu.Lock()
	s.addr = listener.Addr().String()
	s.mu.Unlock()

	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       requestTimeout,
		WriteTimeout:      requestTimeout,
	}

	s.logger.Infow("serving", "address", listener.Addr().String())
	serveErr := make(chan error, 1)
	goutils.PanicCapturingGo(func() {
		serveErr <- httpServer.Serve(listener)
	})

	select {
	case err := <-serveErr:
		return goutils.FilterOutError(err, http.ErrServerClosed)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return multierr.Combine(
		httpServer.Shutdown(shutdownCtx),
		goutils.FilterOutError(<-serveErr, http.ErrServerClosed),
	)
}

// Close releases the model pool. The server must not be serving anymore.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	pool := s.pool
	s.pool = nil
	s.conf = nil
	s.mu.Unlock()
	if pool == nil {
		return nil
	}
	return pool.Close(ctx)
}

// Handler returns the full HTTP handler, wrapped in permissive CORS.
func (s *Server) Handler() http.Handler {
	return cors.AllowAll().Handler(s.router())
}
