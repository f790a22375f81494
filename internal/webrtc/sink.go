/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package webrtc

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// ErrClosed is returned when writing to a closed sink.
var ErrClosed = errors.New("rtc sink closed")

// Signal message types exchanged over the room socket.
const (
	SignalOffer     = "OFFER"
	SignalAnswer    = "ANSWER"
	SignalCandidate = "ICE_CANDIDATE"
)

// SignalMessage is the signaling payload format.
type SignalMessage struct {
	Type      string                     `json:"type"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// Signaler delivers signaling messages to the remote peer. It is called from
// Pion callback goroutines.
type Signaler interface {
	SendSignal(msg SignalMessage) error
}

// rtpWriter is the part of a local track the packetizer needs.
type rtpWriter interface {
	WriteRTP(p *rtp.Packet) error
}

// Sink is one RTC listener: a PeerConnection carrying an Opus track fed
// from the room's paced frames.
type Sink struct {
	peerID string
	pc     *webrtc.PeerConnection
	pz     *packetizer
	logger zerolog.Logger

	mu        sync.Mutex
	connected bool
	closed    bool
}

// NewSink creates a peer connection for peerID and sends the offer through
// sig. Remote candidates and the answer arrive via HandleAnswer and
// AddCandidate.
func (e *Engine) NewSink(peerID string, sig Signaler) (*Sink, error) {
	pc, err := e.api.NewPeerConnection(webrtc.Configuration{ICEServers: e.iceServers()})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: OpusClockRate, Channels: 2},
		"audio",
		"listenroom",
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("add track: %w", err)
	}
	// RTCP must be drained for the interceptors to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	enc, err := e.newEncoder()
	if err != nil {
		pc.Close()
		return nil, err
	}

	s := &Sink{
		peerID: peerID,
		pc:     pc,
		pz:     newPacketizer(track, enc),
		logger: e.logger.With().Str("peer_id", peerID).Logger(),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		candidate := c.ToJSON()
		if err := sig.SendSignal(SignalMessage{Type: SignalCandidate, Candidate: &candidate}); err != nil {
			s.logger.Debug().Err(err).Msg("send candidate failed")
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Debug().Str("state", state.String()).Msg("connection state changed")
		s.mu.Lock()
		s.connected = state == webrtc.PeerConnectionStateConnected
		s.mu.Unlock()
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		s.Close()
		return nil, fmt.Errorf("set local description: %w", err)
	}
	if err := sig.SendSignal(SignalMessage{Type: SignalOffer, SDP: pc.LocalDescription()}); err != nil {
		s.Close()
		return nil, fmt.Errorf("send offer: %w", err)
	}
	return s, nil
}

// PeerID returns the listener id.
func (s *Sink) PeerID() string { return s.peerID }

// Kind implements playout.Kinded.
func (s *Sink) Kind() string { return "rtc" }

// HandleAnswer applies the remote description.
func (s *Sink) HandleAnswer(sdp webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

// AddCandidate adds a remote ICE candidate. Empty end-of-candidates markers
// are ignored.
func (s *Sink) AddCandidate(c webrtc.ICECandidateInit) error {
	if c.Candidate == "" {
		return nil
	}
	if err := s.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// WriteFrame implements playout.Sink. Frames are dropped until the peer is
// connected.
func (s *Sink) WriteFrame(frame []byte) error {
	s.mu.Lock()
	closed, connected := s.closed, s.connected
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !connected {
		return nil
	}
	return s.pz.writeFrame(frame)
}

// Close implements playout.Sink.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	encErr := s.pz.enc.Close()
	return errors.Join(s.pc.Close(), encErr)
}

// packetizer wraps encoded frames in RTP with a continuous sequence and a
// timestamp advancing one frame per packet.
type packetizer struct {
	out  rtpWriter
	enc  FrameEncoder
	seq  uint16
	ts   uint32
	ssrc uint32
}

func newPacketizer(out rtpWriter, enc FrameEncoder) *packetizer {
	return &packetizer{
		out:  out,
		enc:  enc,
		seq:  uint16(rand.Uint32()),
		ts:   rand.Uint32(),
		ssrc: rand.Uint32(),
	}
}

func (p *packetizer) writeFrame(frame []byte) error {
	if len(frame)%2 != 0 {
		return errOddFrame
	}
	payload, err := p.enc.Encode(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    OpusPayloadType,
			SequenceNumber: p.seq,
			Timestamp:      p.ts,
			SSRC:           p.ssrc,
		},
		Payload: payload,
	}
	p.seq++
	p.ts += uint32(len(frame) / 2)
	return p.out.WriteRTP(pkt)
}
