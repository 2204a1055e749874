package tts

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFramePath(t *testing.T) {
	frame := "X-RequestId:abc\r\nPath:turn.end\r\n\r\n{}"
	assert.Equal(t, "turn.end", framePath(frame))
	assert.Equal(t, "", framePath("no headers here"))
}

func TestBinaryAudioStripsHeader(t *testing.T) {
	header := []byte("X-RequestId:abc\r\nPath:audio\r\n")
	payload := []byte{0xFF, 0xF3, 0x01, 0x02}

	frame := make([]byte, 2)
	binary.BigEndian.PutUint16(frame, uint16(len(header)))
	frame = append(frame, header...)
	frame = append(frame, payload...)

	audio, err := binaryAudio(frame)
	require.NoError(t, err)
	assert.Equal(t, payload, audio)
}

func TestBinaryAudioNonAudioFrame(t *testing.T) {
	header := []byte("Path:audio.metadata\r\n")
	frame := make([]byte, 2)
	binary.BigEndian.PutUint16(frame, uint16(len(header)))
	frame = append(frame, header...)

	audio, err := binaryAudio(frame)
	require.NoError(t, err)
	assert.Nil(t, audio)
}

func TestBinaryAudioTruncated(t *testing.T) {
	_, err := binaryAudio([]byte{0x01})
	assert.Error(t, err)

	frame := make([]byte, 2)
	binary.BigEndian.PutUint16(frame, 100)
	_, err = binaryAudio(frame)
	assert.Error(t, err)
}
