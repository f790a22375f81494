/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package webrtc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pion/mediadevices/pkg/codec"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
)

// FrameEncoder compresses one 20 ms mono s16le frame.
type FrameEncoder interface {
	Encode(pcm []byte) ([]byte, error)
	Close() error
}

// opusEncoder feeds frames into a mediadevices Opus encoder one at a time:
// each Encode stages a chunk that the encoder pulls through its reader.
type opusEncoder struct {
	staged *wave.Int16Interleaved
	enc    codec.ReadCloser
}

func newOpusEncoder() (FrameEncoder, error) {
	params, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	o := &opusEncoder{}
	reader := audio.ReaderFunc(func() (wave.Audio, func(), error) {
		if o.staged == nil {
			return nil, func() {}, io.EOF
		}
		chunk := o.staged
		o.staged = nil
		return chunk, func() {}, nil
	})

	enc, err := params.BuildAudioEncoder(reader, prop.Media{
		Audio: prop.Audio{
			SampleRate:   OpusClockRate,
			ChannelCount: 1,
			Latency:      20 * time.Millisecond,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("build opus encoder: %w", err)
	}
	o.enc = enc
	return o, nil
}

func (o *opusEncoder) Encode(pcm []byte) ([]byte, error) {
	o.staged = pcmChunk(pcm)
	data, release, err := o.enc.Read()
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), data...)
	if release != nil {
		release()
	}
	return out, nil
}

func (o *opusEncoder) Close() error {
	return o.enc.Close()
}

var errOddFrame = errors.New("pcm frame has odd length")

// pcmChunk converts little-endian s16 bytes to a mono wave chunk.
func pcmChunk(pcm []byte) *wave.Int16Interleaved {
	samples := len(pcm) / 2
	chunk := wave.NewInt16Interleaved(wave.ChunkInfo{
		Len:          samples,
		Channels:     1,
		SamplingRate: OpusClockRate,
	})
	for i := 0; i < samples; i++ {
		chunk.Data[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	return chunk
}
