package feedhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"sst/telemetry/pkg/proto"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// handleWS streams stats and connectivity envelopes and accepts commands.
// Only the writer goroutine touches the connection for writing.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snaps, unsubscribe := s.src.Subscribe(s.SubscriberBuffer)
	defer unsubscribe()
	conns := s.conn.WatchConnected(ctx)
	replies := make(chan proto.Envelope, 8)

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer ws.Close()
		for {
			var env proto.Envelope
			select {
			case <-ctx.Done():
				return
			case snap, ok := <-snaps:
				if !ok {
					return
				}
				env = proto.Envelope{Type: proto.MsgStats, Data: statsEvent(snap)}
			case eps, ok := <-conns:
				if !ok {
					return
				}
				env = proto.Envelope{Type: proto.MsgConnected, Data: connectedMsg(eps)}
			case env = <-replies:
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(env); err != nil {
				s.logf("[FEED] websocket write to %s failed: %v", r.RemoteAddr, err)
				return
			}
		}
	}()

	for {
		var env proto.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			break
		}
		if env.Type != proto.MsgCommand {
			continue
		}
		b, _ := json.Marshal(env.Data)
		var cmd proto.Command
		err := json.Unmarshal(b, &cmd)
		if err == nil {
			err = s.apply(ctx, cmd)
		}
		if err != nil {
			select {
			case replies <- proto.Envelope{Type: proto.MsgError, Data: proto.ErrorMsg{Message: err.Error()}}:
			case <-done:
			}
		}
	}
	cancel()
	<-done
}
