// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zlib"
	"github.com/tidwall/gjson"

	"github.com/aiku/cordbridge/pkg/discord"
)

// maxFrameSize bounds a single decoded frame.
const maxFrameSize = 64 << 20

// decodeFrame turns one websocket message into a frame. Binary messages
// carry one complete zlib stream each.
func decodeFrame(messageType int, data []byte) (discord.Frame, error) {
	if messageType == websocket.BinaryMessage {
		inflated, err := inflate(data)
		if err != nil {
			return discord.Frame{}, protocolErr("failed to inflate frame: %w", err)
		}
		data = inflated
	}
	if !gjson.ValidBytes(data) {
		return discord.Frame{}, protocolErr("malformed frame (%d bytes)", len(data))
	}
	if op := gjson.GetBytes(data, "op"); !op.Exists() || op.Type != gjson.Number {
		return discord.Frame{}, protocolErr("frame has no opcode")
	}
	var frame discord.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return discord.Frame{}, protocolErr("failed to decode frame: %w", err)
	}
	return frame, nil
}

func inflate(data []byte) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	out, err := io.ReadAll(io.LimitReader(reader, maxFrameSize+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxFrameSize {
		return nil, fmt.Errorf("frame exceeds %d bytes", maxFrameSize)
	}
	return out, nil
}

// deflate compresses a payload the way the gateway does. Used by tests
// and the development fake server.
func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := zlib.NewWriter(&buf)
	if _, err := writer.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
