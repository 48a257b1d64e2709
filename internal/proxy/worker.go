package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/remote-exercises/ref-core/internal/metrics"
	"github.com/remote-exercises/ref-core/pkg/constants"
)

// worker serves exactly one accepted connection.
type worker struct {
	id      uint64
	client  net.Conn
	started time.Time

	mu      sync.Mutex
	status  constants.WorkerStatus
	request *Request
}

func (w *worker) setStatus(status constants.WorkerStatus, req *Request) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	if req != nil {
		w.request = req
	}
}

func (w *worker) describe() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.request == nil {
		return fmt.Sprintf("%s [Client: %s]", w.status, w.client.RemoteAddr())
	}
	return fmt.Sprintf("%s [Client: %s, InstanceID: %d, Dst: %s]",
		w.status, w.client.RemoteAddr(), w.request.InstanceID, w.request.Address())
}

func (s *Server) handle(ctx context.Context, w *worker) {
	defer s.unregister(w)
	defer w.client.Close()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("Worker panicked [WorkerID: %d]: %v", w.id, r)
			s.metrics.ProxyConnections.WithLabelValues(metrics.OutcomeFailed).Inc()
		}
	}()

	outcome := s.serve(ctx, w)
	s.metrics.ProxyConnections.WithLabelValues(outcome).Inc()
}

// serve runs the handshake and, on success, the relay. It returns the outcome
// label of the connection.
func (s *Server) serve(ctx context.Context, w *worker) string {
	req, err := s.readRequest(w)
	if err != nil {
		s.logger.Debugf("Dropping connection [WorkerID: %d]: %s", w.id, err)
		return metrics.OutcomeDropped
	}
	w.setStatus(constants.WorkerStatusConnecting, req)

	socketPath, err := s.lookup.LookupSocket(ctx, req.InstanceID)
	if err != nil {
		s.logger.Infof("Unknown instance, closing [WorkerID: %d, InstanceID: %d]: %s", w.id, req.InstanceID, err)
		return metrics.OutcomeDropped
	}

	dst, err := s.tunneler.Dial(ctx, socketPath, req)
	if err != nil {
		s.logger.Infof("Tunnel failed [WorkerID: %d, InstanceID: %d, Dst: %s]: %s", w.id, req.InstanceID, req.Address(), err)
		if werr := WriteFrame(w.client, constants.MessageTypeFailure); werr != nil {
			s.logger.Debugf("Failed to send failure frame [WorkerID: %d]: %s", w.id, werr)
		}
		return metrics.OutcomeFailed
	}
	defer dst.Close()

	if err := WriteFrame(w.client, constants.MessageTypeSuccess); err != nil {
		s.logger.Debugf("Failed to send success frame [WorkerID: %d]: %s", w.id, err)
		return metrics.OutcomeFailed
	}
	w.setStatus(constants.WorkerStatusRelaying, nil)

	stats, err := s.relay(w, dst)
	s.metrics.ProxyBytes.WithLabelValues("client_to_dst").Add(float64(stats.ClientToDst))
	s.metrics.ProxyBytes.WithLabelValues("dst_to_client").Add(float64(stats.DstToClient))
	if err != nil && !errors.Is(err, errIdleTimeout) {
		s.logger.Infof("Relay ended with error [WorkerID: %d, InstanceID: %d]: %s", w.id, req.InstanceID, err)
	}
	s.logger.Infof("Relay finished [WorkerID: %d, InstanceID: %d, Reason: %s, ClientToDst: %d, DstToClient: %d, Duration: %s]",
		w.id, req.InstanceID, stats.Reason, stats.ClientToDst, stats.DstToClient, stats.Duration.Round(time.Millisecond))
	return metrics.OutcomeRelayed
}

func (s *Server) readRequest(w *worker) (*Request, error) {
	if err := w.client.SetReadDeadline(time.Now().Add(s.opts.HeaderTimeout)); err != nil {
		return nil, err
	}
	h, err := ReadHeader(w.client)
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if h.Type != constants.MessageTypeProxyRequest {
		return nil, fmt.Errorf("unexpected message type %d", h.Type)
	}
	body, err := ReadBody(w.client, h)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	req, err := ParseRequest(body)
	if err != nil {
		return nil, err
	}
	if err := w.client.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return req, nil
}

func (s *Server) relay(w *worker, dst net.Conn) (RelayStats, error) {
	client, ok := w.client.(syscall.Conn)
	if !ok {
		return RelayStats{Reason: "error"}, fmt.Errorf("client connection %T has no file descriptor", w.client)
	}
	raw, ok := dst.(syscall.Conn)
	if !ok {
		return RelayStats{Reason: "error"}, fmt.Errorf("tunnel connection %T has no file descriptor", dst)
	}
	r, err := newRelay(client, raw, s.opts.IdleTimeout)
	if err != nil {
		return RelayStats{Reason: "error"}, err
	}
	log := s.logger.With(zap.Uint64("worker", w.id))
	r.onStats = func(st RelayStats) {
		log.Infof("Relay stats [ClientToDst: %d, DstToClient: %d, Buffered: %d, Wakeups: %d, Elapsed: %s]",
			st.ClientToDst, st.DstToClient, st.Buffered, st.Wakeups, st.Duration.Round(time.Second))
	}
	return r.run()
}
