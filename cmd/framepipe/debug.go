package main

import (
	"context"
	"encoding/json"
	"expvar"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"pipelined.dev/framepipe"
	"pipelined.dev/framepipe/metric"
)

// debugServer exposes state of the running pipe over http.
type debugServer struct {
	pipe   *framepipe.Pipe
	log    logrus.FieldLogger
	server *http.Server
}

type status struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	Submitted int    `json:"submitted"`
	Written   int    `json:"written"`
	Total     int    `json:"total"`
}

func newRouter(s *debugServer) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/status", s.handleStatus).Methods("GET")
	router.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	router.Handle("/debug/vars", expvar.Handler()).Methods("GET")
	return router
}

func startDebugServer(addr string, p *framepipe.Pipe, log logrus.FieldLogger) (*debugServer, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &debugServer{
		pipe: p,
		log:  log.WithField("addr", l.Addr().String()),
	}
	s.server = &http.Server{
		Handler:           newRouter(s),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.server.Serve(l); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("debug server failed")
		}
	}()
	s.log.Info("debug server started")
	return s, nil
}

func (s *debugServer) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.log.WithError(err).Warn("debug server shutdown failed")
	}
}

func (s *debugServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	progress := s.pipe.Progress()
	writeJSON(w, s.log, status{
		ID:        s.pipe.ID(),
		State:     s.pipe.State().String(),
		Submitted: progress.Submitted,
		Written:   progress.Written,
		Total:     progress.Total,
	})
}

func (s *debugServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.log, metric.GetAll())
}

func writeJSON(w http.ResponseWriter, log logrus.FieldLogger, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.WithError(err).Warn("failed to encode response")
	}
}
