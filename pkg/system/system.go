/*
 * Copyright (c) 2025. Virt-Watchdog Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package system

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/heptiolabs/healthcheck"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/containerd/log"
	"github.com/virtwatch/virt-watchdog/pkg/errdefs"
	"github.com/virtwatch/virt-watchdog/pkg/metrics/registry"
	"github.com/virtwatch/virt-watchdog/pkg/store"
	"github.com/virtwatch/virt-watchdog/pkg/watchdog"
)

const (
	endpointGuests        string = "/api/v1/guests"
	endpointGuest         string = "/api/v1/guests/{id}"
	endpointGuestAttempts string = "/api/v1/guests/{id}/attempts"

	// Export prometheus metrics
	endpointPromMetrics string = "/metrics"

	// Watchdog's own liveness/readiness
	endpointLive  string = "/live"
	endpointReady string = "/ready"

	defaultErrorCode string = "Unknown"

	defaultAttemptsLimit = 50
)

type errorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newErrorMessage(message string) errorMessage {
	return errorMessage{Code: defaultErrorCode, Message: message}
}

func (m *errorMessage) encode() string {
	msg, err := json.Marshal(&m)
	if err != nil {
		log.L.Errorf("Failed to encode error message, %s", err)
		return ""
	}
	return string(msg)
}

func jsonResponse(w http.ResponseWriter, payload interface{}) {
	respBody, err := json.Marshal(&payload)
	if err != nil {
		log.L.Errorf("marshal error, %s", err)
		m := newErrorMessage(err.Error())
		http.Error(w, m.encode(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(respBody); err != nil {
		log.L.Errorf("write body %s", err)
	}
}

// The watchdog may monitor dozens of guests. The system controller gives
// operators one consistent place to inspect per-guest health snapshots,
// archived recovery attempts and prometheus metrics.
type Controller struct {
	manager *watchdog.Manager
	db      *store.Database
	addr    *net.UnixAddr
	router  *mux.Router
	health  healthcheck.Handler
}

func NewSystemController(manager *watchdog.Manager, db *store.Database, sock string, hypervisorAddr string) (*Controller, error) {
	if err := os.Remove(sock); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	addr, err := net.ResolveUnixAddr("unix", sock)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve address %s", sock)
	}

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-count", healthcheck.GoroutineCountCheck(runtime.NumCPU()*200))
	if hypervisorAddr != "" {
		health.AddReadinessCheck("hypervisor-reachable",
			healthcheck.TCPDialCheck(hypervisorAddr, 3*time.Second))
	}

	sc := Controller{
		manager: manager,
		db:      db,
		addr:    addr,
		router:  mux.NewRouter(),
		health:  health,
	}

	sc.registerRouter()

	return &sc, nil
}

func (sc *Controller) registerRouter() {
	sc.router.HandleFunc(endpointGuests, sc.describeGuests()).Methods(http.MethodGet)
	sc.router.HandleFunc(endpointGuest, sc.describeGuest()).Methods(http.MethodGet)
	sc.router.HandleFunc(endpointGuestAttempts, sc.getGuestAttempts()).Methods(http.MethodGet)

	sc.router.HandleFunc(endpointLive, sc.health.LiveEndpoint)
	sc.router.HandleFunc(endpointReady, sc.health.ReadyEndpoint)

	// Special registration for Prometheus metrics export
	sc.router.Handle(endpointPromMetrics, promhttp.HandlerFor(registry.Registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.HTTPErrorOnError,
	}))
}

func (sc *Controller) describeGuests() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		statuses := sc.manager.Status()
		jsonResponse(w, &statuses)
	}
}

func (sc *Controller) describeGuest() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]

		status, err := sc.manager.GuestStatus(id)
		if err != nil {
			m := newErrorMessage(err.Error())
			code := http.StatusInternalServerError
			if errdefs.IsNotFound(err) {
				code = http.StatusNotFound
			}
			http.Error(w, m.encode(), code)
			return
		}

		jsonResponse(w, &status)
	}
}

func (sc *Controller) getGuestAttempts() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if sc.db == nil {
			m := newErrorMessage("persistence is disabled")
			http.Error(w, m.encode(), http.StatusNotImplemented)
			return
		}

		id := mux.Vars(r)["id"]

		attempts, err := sc.db.ListAttempts(id, defaultAttemptsLimit)
		if err != nil {
			m := newErrorMessage(err.Error())
			http.Error(w, m.encode(), http.StatusInternalServerError)
			return
		}
		if attempts == nil {
			attempts = []store.AttemptRecord{}
		}

		jsonResponse(w, &attempts)
	}
}

// Run serves the API until ctx is cancelled, then drains open requests
// and closes the listener so callers waiting on it can exit.
func (sc *Controller) Run(ctx context.Context) error {
	log.L.Infof("Start system controller API server on %s", sc.addr)
	listener, err := net.ListenUnix("unix", sc.addr)
	if err != nil {
		return errors.Wrapf(err, "listen to socket %s", sc.addr)
	}

	server := &http.Server{Handler: sc.router}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shut down system controller")
		}
		return ctx.Err()
	case err := <-serveErr:
		return errors.Wrapf(err, "system management serving")
	}
}
