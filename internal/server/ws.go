package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog/log"

	"github.com/perfectuser21/grapnel/internal/events"
)

const wsWriteTimeout = 10 * time.Second

// handleEvents upgrades to a websocket and streams hub events to the client.
// The feed is one-way. A since query parameter backfills missed events from
// the hub's ring buffer before live delivery starts (0 means everything the
// ring still holds); without it the client only sees new events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event feed is disabled")
		return
	}

	backfill := false
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid since id")
			return
		}
		backfill = true
		since = n
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to accept websocket connection")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	// CloseRead surfaces client disconnects through the returned context.
	ctx := conn.CloseRead(r.Context())

	ch, cancel := s.hub.Subscribe()
	defer cancel()

	// Events published between Subscribe and Backlog land in both, so the
	// live loop skips anything at or below the last backfilled ID.
	var lastSent int64
	if backfill {
		for _, ev := range s.hub.Backlog(since) {
			if err := writeEvent(ctx, conn, ev); err != nil {
				return
			}
			lastSent = ev.ID
		}
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "hub closed")
				return
			}
			if ev.ID <= lastSent {
				continue
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev events.Event) error {
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, ev)
}
