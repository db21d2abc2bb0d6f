// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/holomush/gatekeep/internal/session"
)

// EventBuffer is how many snapshots a slow event-stream client may fall
// behind before its stream is closed.
const EventBuffer = 16

// snapshotEvent is the server-sent event name for a snapshot.
const snapshotEvent = "snapshot"

// SnapshotPayload is the JSON form of a session snapshot.
type SnapshotPayload struct {
	User      *session.User `json:"user"`
	IsLoading bool          `json:"isLoading"`
	Version   uint64        `json:"version"`
}

// PayloadOf converts a snapshot for the wire. A loading snapshot never
// carries a user.
func PayloadOf(s session.Snapshot) SnapshotPayload {
	p := SnapshotPayload{IsLoading: s.Loading, Version: s.Version}
	if !s.Loading {
		p.User = s.User
	}
	return p
}

func (a *App) handleSession(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(PayloadOf(a.session.Snapshot())); err != nil {
		a.logger.DebugContext(r.Context(), "write session snapshot", "error", err)
	}
}

// handleSessionEvents streams snapshot transitions as server-sent events,
// starting with the current one.
func (a *App) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	updates := make(chan session.Snapshot, EventBuffer)
	overflow := make(chan struct{})
	var overflowed bool
	cancel := a.session.Watch(func(s session.Snapshot) {
		if overflowed {
			return
		}
		select {
		case updates <- s:
		default:
			overflowed = true
			close(overflow)
		}
	})
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for {
		select {
		case <-r.Context().Done():
			return
		case <-overflow:
			a.logger.InfoContext(r.Context(), "session event client too slow, closing stream")
			return
		case s := <-updates:
			data, err := json.Marshal(PayloadOf(s))
			if err != nil {
				a.logger.ErrorContext(r.Context(), "encode session event", "error", err)
				return
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", s.Version, snapshotEvent, data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				a.logger.DebugContext(r.Context(), "flush session event", "error", err)
				return
			}
		}
	}
}
