package api

import (
	"net/http"

	"jobdeck/internal/auth"
	"jobdeck/internal/ws"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func (d Dependencies) wsHandler(w http.ResponseWriter, r *http.Request) {
	if d.Hub == nil {
		WriteError(w, r, http.StatusInternalServerError, "hub_unavailable", "WebSocket hub not initialized", d.Log)
		return
	}

	subject := auth.GetSubject(r.Context())
	if subject == "" {
		subject = "anonymous"
	}

	upgrader := websocket.Upgrader{CheckOrigin: OriginChecker(d.AllowedOrigins)}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.Log.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	wsConn := ws.NewConn(conn, d.Hub, subject)
	d.Hub.Register(wsConn)
	d.Log.Info("WebSocket connected",
		zap.String("conn_id", wsConn.ID()),
		zap.String("subject", subject),
		zap.String("remote", r.RemoteAddr),
	)

	go wsConn.WritePump()
	go wsConn.ReadPump()
}
