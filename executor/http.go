package executor

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/estuary/awcp/protocol"
)

// bearerToken extracts the raw token from an "Authorization: Bearer <tok>"
// header, or "" if absent/malformed.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimPrefix(auth, prefix)
}

// checkAuth verifies the request's bearer token against delegationID. When
// the engine has no auth issuer configured, VerifyAuth is a no-op and this
// always succeeds.
func checkAuth(engine *Engine, r *http.Request, delegationID string) error {
	return engine.VerifyAuth(bearerToken(r), delegationID)
}

// RegisterAPIs wires the Executor's HTTP surface (spec §6) onto router,
// mirroring the teacher's RegisterAPIs(srv, ...) convention of attaching a
// handler set to an existing mux rather than owning the listener itself.
func RegisterAPIs(router *mux.Router, engine *Engine) {
	router.Path("/").Methods("POST").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveDispatch(engine, w, r)
	})
	router.Path("/tasks/{id}/events").Methods("GET").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveEvents(engine, w, r)
	})
	router.Path("/tasks/{id}/result").Methods("GET").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveResult(engine, w, r)
	})
	router.Path("/status").Methods("GET").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, engine.Counters())
	})
}

func serveDispatch(engine *Engine, w http.ResponseWriter, r *http.Request) {
	body, err := decodeEnvelope(r)
	if perr, ok := err.(*protocol.Error); ok {
		writeError(w, perr)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch body.Type {
	case protocol.MsgInvite:
		var invite protocol.Invite
		if err := json.Unmarshal(body.raw, &invite); err != nil {
			http.Error(w, "malformed INVITE", http.StatusBadRequest)
			return
		}
		if err := checkAuth(engine, r, invite.DelegationID); err != nil {
			writeError(w, err)
			return
		}
		accept, errMsg := engine.HandleInvite(r.Context(), invite)
		if errMsg != nil {
			writeJSON(w, http.StatusOK, errMsg)
			return
		}
		writeJSON(w, http.StatusOK, accept)

	case protocol.MsgStart:
		var start protocol.Start
		if err := json.Unmarshal(body.raw, &start); err != nil {
			http.Error(w, "malformed START", http.StatusBadRequest)
			return
		}
		if err := checkAuth(engine, r, start.DelegationID); err != nil {
			writeError(w, err)
			return
		}
		if err := engine.HandleStart(r.Context(), start); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	case protocol.MsgError:
		var em protocol.ErrorMsg
		if err := json.Unmarshal(body.raw, &em); err != nil {
			http.Error(w, "malformed ERROR", http.StatusBadRequest)
			return
		}
		if err := checkAuth(engine, r, em.DelegationID); err != nil {
			writeError(w, err)
			return
		}
		if err := engine.HandleCancel(r.Context(), em.DelegationID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	default:
		http.Error(w, fmt.Sprintf("unknown message type %q", body.Type), http.StatusBadRequest)
	}
}

type envelope struct {
	protocol.Envelope
	raw []byte
}

func decodeEnvelope(r *http.Request) (envelope, error) {
	buf, err := io.ReadAll(r.Body)
	if err != nil {
		return envelope{}, fmt.Errorf("read request body: %w", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(buf, &env); err != nil || env.Type == "" {
		return envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Version != protocol.Version {
		return envelope{}, protocol.NewError(protocol.CodeDeclined, "unsupported protocol version %q", env.Version)
	}
	return envelope{Envelope: env, raw: buf}, nil
}

func serveEvents(engine *Engine, w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := checkAuth(engine, r, id); err != nil {
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(w, protocol.Event{Type: protocol.EventError, Error: &protocol.Error{Code: protocol.CodeAuthFailed, Message: err.Error()}})
		return
	}
	ch, ok := engine.Subscribe(id)
	if !ok {
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(w, protocol.Event{Type: protocol.EventError, Error: &protocol.Error{Code: protocol.CodeNotFound, Message: "unknown delegation"}})
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx := r.Context()
	for {
		select {
		case ev, open := <-ch:
			if !open {
				return
			}
			writeSSE(w, ev)
			if flusher != nil {
				flusher.Flush()
			}
			if ev.Type == protocol.EventDone || ev.Type == protocol.EventError {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, ev protocol.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.WithError(err).Error("marshal event for SSE")
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
}

func serveResult(engine *Engine, w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := checkAuth(engine, r, id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, engine.Result(id))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	if perr, ok := err.(*protocol.Error); ok {
		writeJSON(w, http.StatusOK, &protocol.ErrorMsg{Version: protocol.Version, Type: "ERROR", Code: perr.Code, Message: perr.Message, Hint: perr.Hint})
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
