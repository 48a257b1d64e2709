package proxy

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/remote-exercises/ref-core/internal/config"
	"github.com/remote-exercises/ref-core/internal/logger"
	"github.com/remote-exercises/ref-core/internal/metrics"
	"github.com/remote-exercises/ref-core/pkg/constants"
)

// InstanceLookup resolves the SOCKS5 socket of an instance. It returns an
// error for unknown instances.
type InstanceLookup interface {
	LookupSocket(ctx context.Context, instanceID int64) (string, error)
}

type Options struct {
	HeaderTimeout time.Duration
	IdleTimeout   time.Duration
	MaxWorkers    int
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		HeaderTimeout: cfg.Proxy.HeaderTimeout,
		IdleTimeout:   cfg.Proxy.IdleTimeout,
		MaxWorkers:    cfg.Proxy.MaxWorkers,
	}
}

// Server accepts proxy connections and runs one worker per connection, up to
// MaxWorkers at a time.
type Server struct {
	opts     Options
	lookup   InstanceLookup
	tunneler Tunneler
	metrics  *metrics.Metrics
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	workers map[uint64]*worker
	nextID  uint64
	wg      sync.WaitGroup
}

func NewServer(opts Options, lookup InstanceLookup, tunneler Tunneler, m *metrics.Metrics) *Server {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = constants.DefaultProxyMaxWorkers
	}
	if opts.HeaderTimeout <= 0 {
		opts.HeaderTimeout = constants.DefaultProxyHeaderTimeout * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = constants.DefaultProxyIdleTimeout * time.Second
	}
	return &Server{
		opts:     opts,
		lookup:   lookup,
		tunneler: tunneler,
		metrics:  m,
		logger:   logger.NewNamedLogger("proxy"),
		workers:  make(map[uint64]*worker, opts.MaxWorkers),
	}
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done. Running workers are not
// interrupted; they end on their own through EOF or the idle timeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Infof("Proxy listening [Addr: %s, MaxWorkers: %d]", ln.Addr(), s.opts.MaxWorkers)

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var retryDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.logger.Info("Proxy listener closed")
				return nil
			}
			// Accept errors such as EMFILE are transient; keep the listener alive.
			if retryDelay == 0 {
				retryDelay = constants.AcceptRetryMinDelay
			} else {
				retryDelay = min(2*retryDelay, constants.AcceptRetryMaxDelay)
			}
			s.logger.Errorf("Accept failed, retrying in %s: %s", retryDelay, err)
			select {
			case <-ctx.Done():
				s.logger.Info("Proxy listener closed")
				return nil
			case <-time.After(retryDelay):
			}
			continue
		}
		retryDelay = 0

		w, ok := s.register(conn)
		if !ok {
			s.logger.Warnf("Worker limit reached, rejecting connection [Client: %s]", conn.RemoteAddr())
			s.metrics.ProxyConnections.WithLabelValues(metrics.OutcomeRejected).Inc()
			conn.Close()
			continue
		}
		s.metrics.ProxyConnections.WithLabelValues(metrics.OutcomeAccepted).Inc()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, w)
		}()
	}
}

// Wait blocks until every running worker finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) register(conn net.Conn) (*worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.workers) >= s.opts.MaxWorkers {
		return nil, false
	}
	s.nextID++
	w := &worker{
		id:      s.nextID,
		client:  conn,
		started: time.Now(),
		status:  constants.WorkerStatusHandshake,
	}
	s.workers[w.id] = w
	s.metrics.ProxyActiveWorkers.Inc()
	return w, true
}

func (s *Server) unregister(w *worker) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.workers, w.id)
	s.metrics.ProxyActiveWorkers.Dec()
}

// ActiveWorkers returns the number of live workers.
func (s *Server) ActiveWorkers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Status describes every live worker for introspection.
func (s *Server) Status() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make(map[uint64]string, len(s.workers))
	for id, w := range s.workers {
		statuses[id] = w.describe() + " for " + time.Since(w.started).Round(time.Second).String()
	}

	return map[string]interface{}{
		"active_workers": len(s.workers),
		"max_workers":    s.opts.MaxWorkers,
		"worker_status":  statuses,
	}
}
