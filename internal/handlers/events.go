package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

const eventWriteTimeout = 10 * time.Second

// EventStream upgrades to a websocket and forwards every hub event as a
// JSON text frame until the client goes away.
func EventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[events] websocket accept: %v", err)
		return
	}
	defer conn.CloseNow()

	sub := Hub.Subscribe()
	defer sub.Close()

	// Incoming frames are ignored; CloseRead cancels ctx once the peer closes.
	ctx := conn.CloseRead(r.Context())
	log.Printf("[events] subscriber connected from %s", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[events] subscriber %s disconnected (dropped %d events)", r.RemoteAddr, sub.Dropped())
			return
		case ev, ok := <-sub.C:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "")
				return
			}
			frame, err := json.Marshal(ev)
			if err != nil {
				log.Printf("[events] marshal %s event: %v", ev.Type, err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
