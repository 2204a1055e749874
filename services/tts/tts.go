// Copyright (C) 2026 Kelpie Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package tts renders text to speech over the Edge read-aloud
// websocket service.
//
// The protocol is header-framed: text frames carry a "Path:" header
// block separated from the JSON/SSML body by a blank line; binary
// frames start with a big-endian header length, the header, then raw
// audio. One synthesis turn is speech.config, the SSML request, audio
// frames, turn.end.
package tts

import (
	"context"
	"encoding/binary"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	endpoint     = "wss://speech.platform.bing.com/consumer/speech/synthesize/readaloud/edge/v1"
	trustedToken = "6A5AA1D4EAFF4E9FB37E23D68491D6F4"

	DefaultVoice  = "zh-CN-XiaoxiaoNeural"
	DefaultFormat = "audio-24khz-48kbitrate-mono-mp3"
)

// Client synthesizes speech. Each Synthesize call opens its own
// connection; the service drops idle sockets quickly, so pooling them
// is not worth the reconnect bookkeeping.
type Client struct {
	voice  string
	format string
}

// NewClient builds a client. Empty voice or format fall back to the
// defaults.
func NewClient(voice, format string) *Client {
	if voice == "" {
		voice = DefaultVoice
	}
	if format == "" {
		format = DefaultFormat
	}
	return &Client{voice: voice, format: format}
}

// Synthesize renders text into a temporary MP3 file and returns its
// path. The caller owns the file and removes it after use.
func (c *Client) Synthesize(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", errors.New("tts: empty text")
	}

	connectionID := strings.ReplaceAll(uuid.NewString(), "-", "")
	url := fmt.Sprintf("%s?TrustedClientToken=%s&ConnectionId=%s", endpoint, trustedToken, connectionID)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return "", fmt.Errorf("tts: dial: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		_ = conn.SetWriteDeadline(deadline)
	}

	if err := c.sendConfig(conn); err != nil {
		return "", err
	}
	requestID := strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := c.sendSSML(conn, requestID, text); err != nil {
		return "", err
	}

	audio, err := c.receiveAudio(conn)
	if err != nil {
		return "", err
	}

	file, err := os.CreateTemp("", "kelpie-voice-*.mp3")
	if err != nil {
		return "", fmt.Errorf("tts: create file: %w", err)
	}
	if _, err := file.Write(audio); err != nil {
		file.Close()
		os.Remove(file.Name())
		return "", fmt.Errorf("tts: write audio: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(file.Name())
		return "", fmt.Errorf("tts: close file: %w", err)
	}
	return file.Name(), nil
}

func timestamp() string {
	return time.Now().UTC().Format("Mon Jan 02 2006 15:04:05 GMT+0000 (Coordinated Universal Time)")
}

func (c *Client) sendConfig(conn *websocket.Conn) error {
	payload := fmt.Sprintf(
		"X-Timestamp:%s\r\nContent-Type:application/json; charset=utf-8\r\nPath:speech.config\r\n\r\n"+
			`{"context":{"synthesis":{"audio":{"metadataoptions":{"sentenceBoundaryEnabled":"false","wordBoundaryEnabled":"false"},"outputFormat":"%s"}}}}`,
		timestamp(), c.format,
	)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		return fmt.Errorf("tts: send config: %w", err)
	}
	return nil
}

func (c *Client) sendSSML(conn *websocket.Conn, requestID, text string) error {
	var escaped strings.Builder
	if err := xml.EscapeText(&escaped, []byte(text)); err != nil {
		return fmt.Errorf("tts: escape text: %w", err)
	}
	ssml := fmt.Sprintf(
		`<speak version='1.0' xmlns='http://www.w3.org/2001/10/synthesis' xml:lang='en-US'><voice name='%s'>%s</voice></speak>`,
		c.voice, escaped.String(),
	)
	payload := fmt.Sprintf(
		"X-RequestId:%s\r\nContent-Type:application/ssml+xml\r\nX-Timestamp:%s\r\nPath:ssml\r\n\r\n%s",
		requestID, timestamp(), ssml,
	)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		return fmt.Errorf("tts: send ssml: %w", err)
	}
	return nil
}

// receiveAudio collects audio frames until turn.end.
func (c *Client) receiveAudio(conn *websocket.Conn) ([]byte, error) {
	var audio []byte
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("tts: read: %w", err)
		}

		switch kind {
		case websocket.TextMessage:
			if framePath(string(data)) == "turn.end" {
				if len(audio) == 0 {
					return nil, errors.New("tts: turn ended without audio")
				}
				return audio, nil
			}
		case websocket.BinaryMessage:
			payload, err := binaryAudio(data)
			if err != nil {
				return nil, err
			}
			audio = append(audio, payload...)
		}
	}
}

// framePath extracts the Path header from a text frame.
func framePath(frame string) string {
	for _, line := range strings.Split(frame, "\r\n") {
		if path, ok := strings.CutPrefix(line, "Path:"); ok {
			return strings.TrimSpace(path)
		}
	}
	return ""
}

// binaryAudio strips the length-prefixed header from a binary frame
// and returns the audio payload. Non-audio binary frames yield nil.
func binaryAudio(data []byte) ([]byte, error) {
	if len(data) < 2 {
		return nil, errors.New("tts: truncated binary frame")
	}
	headerLen := int(binary.BigEndian.Uint16(data[:2]))
	if 2+headerLen > len(data) {
		return nil, errors.New("tts: binary frame header overruns payload")
	}
	header := string(data[2 : 2+headerLen])
	if !strings.Contains(header, "Path:audio") {
		return nil, nil
	}
	return data[2+headerLen:], nil
}
