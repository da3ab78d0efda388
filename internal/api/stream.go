package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
)

const (
	streamWriteWait    = 10 * time.Second
	streamPingInterval = 30 * time.Second
	streamBuffer       = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// streamRequestsHandler pushes the provider's open requests and then every
// booking change over a websocket until the client goes away.
func streamRequestsHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, ok := uuidParam(w, r, "providerID", "invalid_provider_id")
		if !ok {
			return
		}
		log := zerolog.Ctx(r.Context()).With().Str("provider_id", providerID.String()).Logger()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		changes := make(chan appointment.ChangeEvent, streamBuffer)
		stop, err := svc.Subscribe(ctx, providerID, func(ev appointment.ChangeEvent) {
			select {
			case changes <- ev:
			default:
				log.Warn().Str("booking_id", ev.BookingID.String()).Msg("stream client too slow, dropping change")
			}
		})
		if err != nil {
			log.Error().Err(err).Msg("subscribe to request changes")
			closeStream(conn, websocket.CloseInternalServerErr, "subscribe failed")
			return
		}
		defer stop()

		// Subscribing first means a change racing the snapshot is sent
		// twice rather than lost.
		open, err := svc.ListOpenRequests(ctx, providerID)
		if err != nil {
			log.Error().Err(err).Msg("load open requests")
			closeStream(conn, websocket.CloseInternalServerErr, "load failed")
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := conn.WriteJSON(StreamMessage{Type: "snapshot", Requests: open}); err != nil {
			return
		}

		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(streamPingInterval)
		defer ping.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-changes:
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				if err := conn.WriteJSON(StreamMessage{Type: "change", Change: &ev}); err != nil {
					log.Debug().Err(err).Msg("stream write failed")
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
					return
				}
			}
		}
	}
}

func closeStream(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(streamWriteWait))
}
