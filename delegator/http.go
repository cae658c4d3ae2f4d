package delegator

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/estuary/awcp/protocol"
)

// createRequest is the body of POST /delegate.
type createRequest struct {
	PeerURL        string               `json:"peerUrl"`
	Task           protocol.Task        `json:"task"`
	Environment    []protocol.Resource  `json:"environment"`
	LeaseTTL       int                  `json:"leaseTtlSeconds,omitempty"`
	AccessMode     protocol.AccessMode  `json:"accessMode,omitempty"`
	SnapshotPolicy protocol.SnapshotPolicy `json:"snapshotPolicy,omitempty"`
	TransportType  string               `json:"transportType"`
}

// RegisterAPIs wires the Delegator control plane (spec §6) onto router, the
// same "attach handlers to an existing mux" convention the Executor's
// RegisterAPIs uses.
func RegisterAPIs(router *mux.Router, engine *Engine, baseDir string) {
	router.Path("/delegate").Methods("POST").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveCreate(engine, baseDir, w, r)
	})
	router.Path("/delegation/{id}").Methods("GET").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveGet(engine, w, r)
	})
	router.Path("/delegation/{id}").Methods("DELETE").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveCancel(engine, w, r)
	})
	router.Path("/delegation/{id}/snapshots").Methods("GET").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveSnapshots(engine, w, r)
	})
	router.Path("/delegation/{id}/snapshots/{sid}/apply").Methods("POST").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveApply(engine, w, r)
	})
	router.Path("/delegation/{id}/snapshots/{sid}/discard").Methods("POST").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveDiscard(engine, w, r)
	})
	router.Path("/health").Methods("GET").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func serveCreate(engine *Engine, baseDir string, w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.PeerURL == "" || req.TransportType == "" {
		http.Error(w, "peerUrl and transportType are required", http.StatusBadRequest)
		return
	}

	d, err := engine.Create(r.Context(), baseDir, CreateParams{
		PeerURL: req.PeerURL, Task: req.Task, Environment: req.Environment,
		LeaseTTL: req.LeaseTTL, AccessMode: req.AccessMode,
		SnapshotPolicy: req.SnapshotPolicy, TransportType: req.TransportType,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	go func() {
		if _, err := engine.Invite(r.Context(), d.ID); err != nil {
			log.WithField("delegation", d.ID).WithError(err).Warn("invite handshake failed")
		}
	}()

	writeJSON(w, http.StatusAccepted, d)
}

func serveGet(engine *Engine, w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	d, err := engine.Get(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func serveCancel(engine *Engine, w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	d, err := engine.Cancel(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func serveSnapshots(engine *Engine, w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	d, err := engine.Get(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d.Snapshots)
}

func serveApply(engine *Engine, w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	d, err := engine.ApplySnapshot(r.Context(), vars["id"], vars["sid"])
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func serveDiscard(engine *Engine, w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	d, err := engine.DiscardSnapshot(r.Context(), vars["id"], vars["sid"])
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeEngineError(w http.ResponseWriter, err error) {
	if perr, ok := err.(*protocol.Error); ok {
		status := http.StatusBadRequest
		if perr.Code == protocol.CodeNotFound {
			status = http.StatusNotFound
		}
		writeJSON(w, status, perr)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
