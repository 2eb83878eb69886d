package api

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sensorwatch/envalert/internal/alerting"
	"github.com/sensorwatch/envalert/internal/errors"
	"github.com/sensorwatch/envalert/internal/logger"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsMaxMsgSize = 4 * 1024
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Non-browser clients omit Origin; browsers must match Host.
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host
	},
}

// WSMessage is one websocket text message. Type is "connected", "alert" or
// "reset".
type WSMessage struct {
	Type      string `json:"type"`
	Seq       uint64 `json:"seq,omitempty"`
	Alert     any    `json:"alert,omitempty"`
	OpenModal bool   `json:"open_modal,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// StreamAlertsWS serves the alert stream over a websocket. Keep-alive uses
// ping frames; the client's pongs extend the read deadline.
func (c *Controller) StreamAlertsWS(ctx echo.Context) error {
	sub, err := c.subscribe(ctx)
	if sub == nil {
		return err
	}
	defer sub.Close()

	conn, err := wsUpgrader.Upgrade(ctx.Response(), ctx.Request(), nil)
	if err != nil {
		c.logErrorIfEnabled("failed to upgrade alert websocket", logger.Error(err))
		// Upgrade already replied with an HTTP error.
		return nil
	}

	streamCtx, cancel := c.streamContext(ctx)
	defer cancel()

	conn.SetReadLimit(wsMaxMsgSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// The reader only processes control frames; it ends when the client goes
	// away or the connection is closed below.
	readerDone := make(chan struct{})
	var wg sync.WaitGroup
	wg.Go(func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	})
	defer wg.Wait()
	defer func() { _ = conn.Close() }()

	write := func(msg any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(msg)
	}
	closeWith := func(reason string) {
		_ = write(WSMessage{Type: "reset", Reason: reason})
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, reason),
			time.Now().Add(wsWriteWait))
	}

	clientID := uuid.NewString()
	if err := write(WSMessage{Type: "connected", ClientID: clientID}); err != nil {
		return nil
	}
	sub.Activate()
	c.logStreamConnection("websocket", clientID, ctx.RealIP(), true)
	defer c.logStreamConnection("websocket", clientID, ctx.RealIP(), false)

	for {
		select {
		case <-readerDone:
			return nil

		case <-streamCtx.Done():
			closeWith("connection lifetime ended")
			return nil

		case ev := <-sub.Events():
			if err := write(alertMessage(ev)); err != nil {
				return nil
			}

		case <-sub.KeepAlive():
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return nil
			}

		case <-sub.Done():
			for drained := false; !drained; {
				select {
				case ev := <-sub.Events():
					if err := write(alertMessage(ev)); err != nil {
						return nil
					}
				default:
					drained = true
				}
			}
			if reason := sub.Err(); !errors.Is(reason, alerting.ErrSubscriberClosed) {
				closeWith(reason.Error())
			}
			return nil
		}
	}
}

func alertMessage(ev *alerting.AlertEvent) WSMessage {
	return WSMessage{Type: "alert", Seq: ev.Seq, Alert: ev.Alert, OpenModal: ev.OpenModal}
}
