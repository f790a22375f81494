/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package webrtc delivers a room's paced PCM to browser listeners as an
// Opus track over a Pion PeerConnection per listener.
package webrtc

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Opus RTP parameters.
const (
	OpusPayloadType = 111
	OpusClockRate   = 48000
)

// Config holds ICE server configuration.
type Config struct {
	STUNServer   string
	TURNServer   string
	TURNUsername string
	TURNPassword string
}

// Engine builds peer connections sharing one configured Pion API.
type Engine struct {
	api    *webrtc.API
	config Config
	logger zerolog.Logger

	// newEncoder is swapped in tests.
	newEncoder func() (FrameEncoder, error)
}

// NewEngine registers the Opus codec and default interceptors.
func NewEngine(cfg Config, logger zerolog.Logger) (*Engine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   OpusClockRate,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: OpusPayloadType,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus codec: %w", err)
	}

	i := &interceptor.Registry{}
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create pli interceptor: %w", err)
	}
	i.Add(pli)
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	return &Engine{
		api:        webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i)),
		config:     cfg,
		logger:     logger.With().Str("component", "webrtc").Logger(),
		newEncoder: newOpusEncoder,
	}, nil
}

func (e *Engine) iceServers() []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if e.config.STUNServer != "" {
		servers = append(servers, webrtc.ICEServer{URLs: []string{e.config.STUNServer}})
	}
	if e.config.TURNServer != "" {
		turn := webrtc.ICEServer{URLs: []string{e.config.TURNServer}}
		if e.config.TURNUsername != "" {
			turn.Username = e.config.TURNUsername
			turn.Credential = e.config.TURNPassword
			turn.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, turn)
	}
	return servers
}
