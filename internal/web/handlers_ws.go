package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"ledbar/internal/device"
	"ledbar/internal/engine"
)

// clientMessage is a UI command. Which fields apply depends on Action.
type clientMessage struct {
	Action     string            `json:"action"`
	Channel    string            `json:"channel"`
	State      *bool             `json:"state"`
	Value      *int              `json:"value"`
	Enabled    *bool             `json:"enabled"`
	Start      *device.TimeOfDay `json:"start"`
	End        *device.TimeOfDay `json:"end"`
	Brightness *int              `json:"brightness"`
}

type errorMessage struct {
	Action string `json:"action"`
	Error  string `json:"error"`
}

// wsWriteTimeout bounds a single frame write to a client.
const wsWriteTimeout = 10 * time.Second

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.allowedOrigins})
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	c := newClient(conn)
	if !s.hub.add(c) {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}
	defer s.hub.remove(c)

	go writeFrames(c)
	s.sendStatus(context.Background(), c)
	s.readCommands(c)
}

// writeFrames drains the client queue until the hub closes it.
func writeFrames(c *wsClient) {
	for frame := range c.out {
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
		err := c.conn.Write(ctx, websocket.MessageText, frame)
		cancel()
		if err != nil {
			return
		}
	}
	c.conn.Close(websocket.StatusNormalClosure, "")
}

// readCommands handles UI commands until the connection drops or the
// server stops.
func (s *Server) readCommands(c *wsClient) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.hub.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.reply(ctx, c, errorMessage{Action: "error", Error: "invalid message"})
			continue
		}
		switch err := s.handleClientMessage(ctx, msg); {
		case err != nil:
			s.reply(ctx, c, errorMessage{Action: "error", Error: err.Error()})
		case msg.Action == "status":
			s.sendStatus(ctx, c)
		}
	}
}

// handleClientMessage runs one UI command against the engine. Resulting
// changes reach every client through the status pump.
func (s *Server) handleClientMessage(ctx context.Context, msg clientMessage) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var (
		res engine.Result
		err error
	)
	switch msg.Action {
	case "status":
		return nil
	case "toggle":
		cmd := engine.ManualSet{ChannelID: msg.Channel, State: msg.State}
		if msg.State == nil {
			cmd.Toggle = true
		}
		res, err = s.eng.Manual(ctx, cmd)
	case "brightness":
		if msg.Value == nil {
			return fmt.Errorf("brightness: value is required")
		}
		res, err = s.eng.Manual(ctx, engine.ManualSet{ChannelID: msg.Channel, Brightness: msg.Value})
	case "updateTimer":
		patch := engine.ChannelPatch{
			ID:                  msg.Channel,
			ScheduleEnabled:     msg.Enabled,
			ScheduleStart:       msg.Start,
			ScheduleEnd:         msg.End,
			ScheduledBrightness: msg.Brightness,
		}
		res, err = s.eng.Update(ctx, engine.Update{Channels: []engine.ChannelPatch{patch}})
	default:
		return fmt.Errorf("unknown action %q", msg.Action)
	}
	if err != nil {
		return err
	}
	if res.PersistErr != nil {
		return fmt.Errorf("applied but not saved: %w", res.PersistErr)
	}
	return nil
}

// reply writes directly to one connection. nhooyr conns allow a Write
// concurrent with writeFrames.
func (s *Server) reply(ctx context.Context, c *wsClient, v interface{}) {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, c.conn, v); err != nil {
		s.logger.Debug("ws reply", "err", err)
	}
}

func (s *Server) sendStatus(ctx context.Context, c *wsClient) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	st, err := s.eng.Status(ctx)
	cancel()
	if err != nil {
		s.logger.Debug("ws initial status", "err", err)
		return
	}
	s.reply(context.Background(), c, updateMessage(st))
}
