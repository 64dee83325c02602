// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

package websocket

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame tags. Client-to-server frames carry a request tag; server replies
// are bare payloads without a tag. Broadcast frames are server-initiated.
const (
	TagPush      byte = 0x01
	TagPull      byte = 0x02
	TagBroadcast byte = 0x10
)

// frame layout: tag (1 byte) | payload length (4 bytes, big endian) | payload.
const frameHeaderSize = 5

// ErrBadFrame reports a malformed frame; the connection is closed with a
// protocol-error code.
var ErrBadFrame = errors.New("websocket: malformed frame")

// EncodeFrame wraps payload under tag.
func EncodeFrame(tag byte, payload []byte) []byte {
	out := make([]byte, frameHeaderSize+len(payload))
	out[0] = tag
	binary.BigEndian.PutUint32(out[1:frameHeaderSize], uint32(len(payload))) //nolint:gosec // length bounded by read limit
	copy(out[frameHeaderSize:], payload)
	return out
}

// DecodeFrame splits a frame into tag and payload.
func DecodeFrame(data []byte) (byte, []byte, error) {
	if len(data) < frameHeaderSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrBadFrame, len(data))
	}
	tag := data[0]
	size := binary.BigEndian.Uint32(data[1:frameHeaderSize])
	payload := data[frameHeaderSize:]
	if uint32(len(payload)) != size {
		return 0, nil, fmt.Errorf("%w: declared %d bytes, got %d", ErrBadFrame, size, len(payload))
	}
	return tag, payload, nil
}
