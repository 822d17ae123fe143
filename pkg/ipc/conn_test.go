package ipc

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fleetwork/pkg/fault"
)

func TestConnFramesOverPipe(t *testing.T) {
	for _, name := range []string{CodecNameJSON, CodecNameMsgpack} {
		t.Run(name, func(t *testing.T) {
			pr, pw := io.Pipe()
			writer := NewConn(nil, pw, GetCodec(name))
			reader := NewConn(pr, nil, GetCodec(name))

			go func() {
				_ = writer.Send(FrameID, "handle-1")
				_ = writer.Send(FrameTask, TaskMessage{ID: "c1", Name: "ping", Args: []byte(`{"n":1}`)})
				_ = writer.Send(FrameKill, nil)
				pw.Close()
			}()

			f, err := reader.ReadFrame()
			require.NoError(t, err)
			assert.Equal(t, FrameID, f.Type)
			var id string
			require.NoError(t, f.Decode(&id))
			assert.Equal(t, "handle-1", id)

			f, err = reader.ReadFrame()
			require.NoError(t, err)
			assert.Equal(t, FrameTask, f.Type)
			var task TaskMessage
			require.NoError(t, f.Decode(&task))
			assert.Equal(t, "c1", task.ID)
			assert.Equal(t, "ping", task.Name)
			assert.JSONEq(t, `{"n":1}`, string(task.Args))

			f, err = reader.ReadFrame()
			require.NoError(t, err)
			assert.Equal(t, FrameKill, f.Type)
			assert.Empty(t, f.Content)

			_, err = reader.ReadFrame()
			assert.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestConnRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	buf.Write(hdr[:])

	_, err := NewConn(&buf, nil, nil).ReadFrame()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestConnTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 10)
	buf.Write(hdr[:])
	buf.WriteString("abc")

	_, err := NewConn(&buf, nil, nil).ReadFrame()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestFrameDecodeEmptyContent(t *testing.T) {
	f := &Frame{Type: FrameData}
	var v map[string]interface{}
	err := f.Decode(&v)
	require.Error(t, err)
	assert.Equal(t, fault.KindProtocol, fault.KindOf(err))
}

func TestGetCodecDefaultsToJSON(t *testing.T) {
	assert.Equal(t, CodecNameJSON, GetCodec("").Name())
	assert.Equal(t, CodecNameJSON, GetCodec("bogus").Name())
	assert.Equal(t, CodecNameMsgpack, GetCodec("msgpack").Name())
}
