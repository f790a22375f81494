/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	ws "nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/friendsincode/listenroom/internal/models"
	"github.com/friendsincode/listenroom/internal/room"
	"github.com/friendsincode/listenroom/internal/telemetry"
	rtc "github.com/friendsincode/listenroom/internal/webrtc"
)

// Socket command types.
const (
	cmdJoinRoom        = "JOIN_ROOM"
	cmdPause           = "PAUSE"
	cmdResume          = "RESUME"
	cmdSkip            = "SKIP"
	cmdPrevious        = "PREVIOUS"
	cmdJoinStream      = "JOIN_STREAM"
	cmdJoinStreamWS    = "JOIN_STREAM_WS"
	cmdLeaveStream     = "LEAVE_STREAM"
	cmdAnswer          = rtc.SignalAnswer
	cmdICECandidate    = rtc.SignalCandidate
	cmdRemoveTrack     = "REMOVE_TRACK"
	cmdToggleQueueMode = "TOGGLE_QUEUE_MODE"
)

const (
	pingInterval  = 15 * time.Second
	pingTimeout   = 10 * time.Second
	writeTimeout  = 10 * time.Second
	sendQueueSize = 256
	readLimit     = 1 << 16
)

var (
	errSendQueueFull = errors.New("socket send queue full")
	errSocketClosed  = errors.New("socket closed")
)

// wsCommand is any inbound message; fields are used per type.
type wsCommand struct {
	Type      string                     `json:"type"`
	RoomID    string                     `json:"roomId,omitempty"`
	UserID    string                     `json:"userId,omitempty"`
	UserName  string                     `json:"userName,omitempty"`
	TrackID   string                     `json:"trackId,omitempty"`
	Mode      string                     `json:"mode,omitempty"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

type outbound struct {
	binary []byte
	text   any
}

// socketConn is one room socket. It is the room client, the RTC signaler and
// the byte-stream subscriber of its connection.
type socketConn struct {
	id     string
	conn   *ws.Conn
	out    chan outbound
	done   chan struct{}
	once   sync.Once
	logger zerolog.Logger

	// Owned by the read loop.
	room *room.Room
	sink *rtc.Sink
}

func newSocketConn(conn *ws.Conn, logger zerolog.Logger) *socketConn {
	id := uuid.NewString()
	return &socketConn{
		id:     id,
		conn:   conn,
		out:    make(chan outbound, sendQueueSize),
		done:   make(chan struct{}),
		logger: logger.With().Str("conn_id", id).Logger(),
	}
}

func (c *socketConn) enqueue(m outbound) error {
	select {
	case <-c.done:
		return errSocketClosed
	default:
	}
	select {
	case c.out <- m:
		return nil
	default:
		return errSendQueueFull
	}
}

// SendState implements room.Client. A slow socket misses the update; the
// next one carries the full state.
func (c *socketConn) SendState(state *models.RoomState) {
	if err := c.enqueue(outbound{text: state}); err != nil {
		c.logger.Debug().Err(err).Msg("drop state update")
	}
}

// SendSignal implements webrtc.Signaler.
func (c *socketConn) SendSignal(msg rtc.SignalMessage) error {
	return c.enqueue(outbound{text: msg})
}

// SendBlock implements playout.BlockSubscriber.
func (c *socketConn) SendBlock(block []byte) error {
	return c.enqueue(outbound{binary: block})
}

func (c *socketConn) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *socketConn) writeLoop(ctx context.Context) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := c.conn.Ping(pctx)
			cancel()
			if err != nil {
				c.logger.Debug().Err(err).Msg("ping failed")
				c.conn.Close(ws.StatusPolicyViolation, "ping timeout")
				c.close()
				return
			}
		case m := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			var err error
			if m.binary != nil {
				err = c.conn.Write(wctx, ws.MessageBinary, m.binary)
			} else {
				err = wsjson.Write(wctx, c.conn, m.text)
			}
			cancel()
			if err != nil {
				c.logger.Debug().Err(err).Msg("websocket write failed")
				c.close()
				return
			}
		}
	}
}

// handleSocket serves GET /ws.
func (a *API) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.Accept(w, r, &ws.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")
	conn.SetReadLimit(readLimit)

	telemetry.APIWebSocketConnections.Inc()
	defer telemetry.APIWebSocketConnections.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := newSocketConn(conn, a.logger)
	c.logger.Debug().Msg("room socket connected")
	go c.writeLoop(ctx)
	defer func() {
		c.close()
		if c.room != nil {
			c.room.Leave(c.id)
		}
		c.logger.Debug().Msg("room socket closed")
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ws.CloseStatus(err) != ws.StatusNormalClosure && ws.CloseStatus(err) != ws.StatusGoingAway {
				c.logger.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
		if typ != ws.MessageText {
			continue
		}
		var cmd wsCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.logger.Warn().Err(err).Msg("invalid websocket message")
			continue
		}
		a.handleCommand(c, cmd)
	}
}

func (a *API) handleCommand(c *socketConn, cmd wsCommand) {
	if cmd.Type == cmdJoinRoom {
		a.joinRoom(c, cmd)
		return
	}
	r := c.room
	if r == nil {
		c.logger.Debug().Str("type", cmd.Type).Msg("command before JOIN_ROOM ignored")
		return
	}

	switch cmd.Type {
	case cmdPause:
		r.Pause()
	case cmdResume:
		r.Resume()
	case cmdSkip:
		r.Skip()
	case cmdPrevious:
		r.Previous()
	case cmdJoinStream:
		a.joinStream(c)
	case cmdJoinStreamWS:
		if !r.SubscribeBlocks(c.id, c) {
			c.logger.Warn().Msg("byte stream subscribe failed")
		}
	case cmdLeaveStream:
		r.LeaveStream(c.id)
		c.sink = nil
	case cmdAnswer:
		if c.sink == nil || cmd.SDP == nil {
			return
		}
		if err := c.sink.HandleAnswer(*cmd.SDP); err != nil {
			c.logger.Warn().Err(err).Msg("apply answer failed")
		}
	case cmdICECandidate:
		if c.sink == nil || cmd.Candidate == nil {
			return
		}
		if err := c.sink.AddCandidate(*cmd.Candidate); err != nil && cmd.Candidate.Candidate != "" {
			c.logger.Debug().Err(err).Msg("add ice candidate failed")
		}
	case cmdRemoveTrack:
		r.RemoveTrack(cmd.TrackID)
	case cmdToggleQueueMode:
		r.SetQueueMode(cmd.Mode)
	default:
		c.logger.Debug().Str("type", cmd.Type).Msg("unknown command")
	}
}

func (a *API) joinRoom(c *socketConn, cmd wsCommand) {
	if cmd.RoomID == "" {
		return
	}
	if c.room != nil && c.room.ID() != cmd.RoomID {
		// Streams do not follow the client into the new room.
		c.room.Leave(c.id)
		c.sink = nil
	}
	r, info := a.rooms.Join(cmd.RoomID, c.id, c, models.ClientInfo{UserID: cmd.UserID, UserName: cmd.UserName})
	c.room = r
	c.logger.Info().Str("room_id", r.ID()).Str("user_name", info.UserName).Msg("client joined room")
}

func (a *API) joinStream(c *socketConn) {
	if a.rtc == nil {
		c.logger.Debug().Msg("rtc disabled, JOIN_STREAM ignored")
		return
	}
	sink, err := a.rtc.NewSink(c.id, c)
	if err != nil {
		c.logger.Error().Err(err).Msg("create rtc sink failed")
		return
	}
	if !c.room.AttachRTC(c.id, sink) {
		c.logger.Warn().Msg("attach rtc sink failed")
		return
	}
	c.sink = sink
}
