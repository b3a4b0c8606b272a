// Command kneesyncd runs the wearable IMU sensor backbone daemon: it loads
// the rig configuration, wires every subsystem behind a Coordinator, and
// serves the outward broadcast and control surface over HTTP.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/biomech-labs/kneesync-go/internal/config"
	"github.com/biomech-labs/kneesync-go/internal/logutil"
	"github.com/biomech-labs/kneesync-go/internal/testutil"
	"github.com/biomech-labs/kneesync-go/pkg/broadcast"
	"github.com/biomech-labs/kneesync-go/pkg/coordinator"
	"github.com/biomech-labs/kneesync-go/pkg/recording"
	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "/etc/kneesync/daemon.yaml", "path to daemon config file")
	listenAddr := flag.String("listen", ":8420", "HTTP listen address for the control/broadcast surface")
	collectorURL := flag.String("collector-url", "http://localhost:9000/recordings", "recording collector endpoint")
	queueDir := flag.String("retry-queue-dir", "/var/lib/kneesync/retry-queue", "on-disk retry-queue directory")
	flag.Parse()

	logutil.Init()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("kneesyncd: failed to load config")
	}

	sink := recording.NewHTTPSink(*collectorURL)
	retryQueue, err := recording.NewRetryQueue(recording.DefaultQueueConfig(*queueDir), sink)
	if err != nil {
		log.WithError(err).Fatal("kneesyncd: failed to open retry queue")
	}

	hub := broadcast.NewHub()

	// A real GATT/HCI binding is an external collaborator (spec §1); this
	// in-memory transport lets the daemon run standalone for local
	// development and demos. Production deployments inject a real Transport
	// implementation here instead.
	tp := testutil.NewFakeTransport()

	coord, err := coordinator.New(cfg, tp, sink, retryQueue, hub)
	if err != nil {
		log.WithError(err).Fatal("kneesyncd: failed to build coordinator")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := coord.Start(ctx); err != nil {
		log.WithError(err).Fatal("kneesyncd: failed to start coordinator")
	}

	watcher, err := config.WatchFile(*configPath, func(reloaded config.Config) {
		log.Info("kneesyncd: config reloaded")
		_ = reloaded // only logged; running components keep the config they were built with
	})
	if err != nil {
		log.WithError(err).Warn("kneesyncd: config hot-reload disabled")
	} else {
		defer watcher.Stop()
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	registerControlAPI(mux, coord)

	server := &http.Server{Addr: *listenAddr, Handler: mux}
	go func() {
		log.WithField("addr", *listenAddr).Info("kneesyncd: listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("kneesyncd: http server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("kneesyncd: shutting down")
	_ = server.Shutdown(context.Background())
	retryQueue.Stop()
	cancel()
}

// registerControlAPI exposes the Coordinator's outward command surface
// (spec §4.13/§6) as small JSON-over-HTTP handlers.
func registerControlAPI(mux *http.ServeMux, coord *coordinator.Coordinator) {
	mux.HandleFunc("/api/scan", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, coord.Scan(r.Context()))
	})

	mux.HandleFunc("/api/connect", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RadioAddress   string `json:"radio_address"`
			AdvertisedName string `json:"advertised_name"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		writeJSON(w, coord.Connect(r.Context(), req.RadioAddress, req.AdvertisedName))
	})

	mux.HandleFunc("/api/disconnect", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RadioAddress string `json:"radio_address"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := coord.Disconnect(r.Context(), req.RadioAddress); err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"success": true})
	})

	mux.HandleFunc("/api/remove", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RadioAddress string `json:"radio_address"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		coord.Remove(req.RadioAddress)
		writeJSON(w, map[string]bool{"success": true})
	})

	mux.HandleFunc("/api/sync_all", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, coord.SyncAll(r.Context()))
	})

	mux.HandleFunc("/api/start_recording", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SessionID  string `json:"session_id"`
			ExerciseID string `json:"exercise_id"`
			SetNumber  int    `json:"set_number"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		writeJSON(w, coord.StartRecording(r.Context(), req.SessionID, req.ExerciseID, req.SetNumber))
	})

	mux.HandleFunc("/api/stop_recording", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, coord.StopRecording(r.Context()))
	})

	mux.HandleFunc("/api/locate_start", func(w http.ResponseWriter, r *http.Request) {
		coord.LocateStart(r.Context())
		writeJSON(w, map[string]bool{"success": true})
	})

	mux.HandleFunc("/api/locate_stop", func(w http.ResponseWriter, r *http.Request) {
		coord.LocateStop(r.Context())
		writeJSON(w, map[string]bool{"success": true})
	})

	mux.HandleFunc("/api/devices", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, coord.GetAllDevices())
	})

	mux.HandleFunc("/api/clear_states", func(w http.ResponseWriter, r *http.Request) {
		coord.ClearStates()
		writeJSON(w, map[string]bool{"success": true})
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Body == nil {
		httpError(w, fmt.Errorf("missing request body"))
		return false
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httpError(w, err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
