package server

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// StartAsync listens and serves in a goroutine. The returned channel
// receives nil once the listener is up, or the listen error. A non-nil
// tlsCfg serves HTTPS and WSS only.
func (s *Server) StartAsync(tlsCfg *tls.Config) <-chan error {
	errCh := make(chan error, 1)

	handler := s.createMux()

	// Listen first so port conflicts surface here.
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		errCh <- fmt.Errorf("failed to listen on %s: %w", s.addr, err)
		close(errCh)
		return errCh
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	go func() {
		s.log.WithFields(logrus.Fields{"addr": ln.Addr().String(), "tls": tlsCfg != nil}).Info("API listening")
		errCh <- nil
		close(errCh)

		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("server error")
		}
	}()

	return errCh
}

// Stop closes every client and the listener. Outstanding compositor
// tokens and offload holds are released so the controller is not left
// waiting on a peer that can no longer answer.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for client := range s.clients {
		client.closeSend()
	}
	s.clients = make(map[*Client]bool)
	srv := s.httpServer
	s.mu.Unlock()

	s.releaseScreenTokens()
	s.releaseOffloadHolds()

	if srv != nil {
		return srv.Close()
	}
	return nil
}
