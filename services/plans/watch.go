// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package plans

import (
	"net/http"
	"time"

	"github.com/AleutianAI/plangraph/services/plans/events"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	watchBuffer    = 64
	watchPingEvery = 30 * time.Second
	watchWriteWait = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleWatchReplans handles GET /v1/plans/:planId/replans/watch.
//
// Description:
//
//	Upgrades to a WebSocket and streams every session event of the plan
//	as JSON until the client disconnects. Events the client is too slow
//	to receive are dropped and logged.
func (h *Handlers) HandleWatchReplans(c *gin.Context) {
	plan, ok := h.ownPlan(c)
	if !ok {
		return
	}
	logger := h.requestLogger(c).With("plan_id", plan.ID)

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	feed := make(chan events.Event, watchBuffer)
	subID := h.svc.Events.Subscribe(func(e events.Event) {
		select {
		case feed <- e:
		default:
			logger.Warn("watch client too slow, event dropped", "event_type", e.Type, "session_id", e.SessionID)
		}
	}, events.ForPlan(plan.TenantID, plan.ID))
	defer h.svc.Events.Unsubscribe(subID)
	logger.Info("replan watch connected")

	// The read loop only detects disconnects.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(watchPingEvery)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			logger.Info("replan watch disconnected")
			return
		case <-c.Request.Context().Done():
			return
		case e := <-feed:
			_ = ws.SetWriteDeadline(time.Now().Add(watchWriteWait))
			if err := ws.WriteJSON(e); err != nil {
				logger.Warn("websocket write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(watchWriteWait)); err != nil {
				return
			}
		}
	}
}
