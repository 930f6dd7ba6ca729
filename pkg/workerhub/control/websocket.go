package control

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	logger := s.logger.With(slog.String("remote", r.RemoteAddr))
	logger.Debug("control client connected")

	conn.SetPingHandler(func(data string) error {
		logger.Debug("ping received", slog.String("data", data))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	defaultClose := conn.CloseHandler()
	conn.SetCloseHandler(func(code int, text string) error {
		logger.Debug("close frame received", slog.Int("code", code), slog.String("text", text))
		return defaultClose(code, text)
	})

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Debug("control client gone", slog.String("error", err.Error()))
			}
			return
		}

		switch kind {
		case websocket.TextMessage:
			if string(data) == CommandClose+"|"+s.token {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"),
					time.Now().Add(writeWait))
				s.requestShutdown()
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug("echo failed", slog.String("error", err.Error()))
				return
			}
		case websocket.BinaryMessage:
			logger.Info("binary frame received", slog.Int("bytes", len(data)))
		}
	}
}
