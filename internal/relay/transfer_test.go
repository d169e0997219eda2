package relay

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/imrelay/internal/protocol"
)

func writeRandomFile(t *testing.T, dir, name string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p, data
}

func TestChunkCount(t *testing.T) {
	require.Equal(t, 0, ChunkCount(0))
	require.Equal(t, 1, ChunkCount(1))
	require.Equal(t, 1, ChunkCount(1024))
	require.Equal(t, 2, ChunkCount(1025))
	require.Equal(t, 3, ChunkCount(2500))
}

func TestPercentOfEmptyTransferIsComplete(t *testing.T) {
	tr := &Transfer{}
	require.Equal(t, 100, tr.Percent())
}

func TestSendAdvancesOneChunkPerAck(t *testing.T) {
	dir := t.TempDir()
	path, data := writeRandomFile(t, dir, "a.bin", 2500)
	e := NewEngine()
	tr, created := e.Register(&Transfer{UserID: "u1", PeerID: "u2", Name: "a.bin", Path: path, Hash: HashBytes(data), Size: 2500, Type: protocol.FileTypeFile})
	require.True(t, created)
	require.Equal(t, protocol.DirectionSend, tr.Direction)
	e.Assign(tr, 42)

	chunk, err := e.StartSend(tr)
	require.NoError(t, err)
	require.Equal(t, 1, chunk.Index)
	require.Equal(t, 3, chunk.Total)
	require.Equal(t, "a.bin", chunk.FileName)
	require.Equal(t, tr.Hash, chunk.FileHash)

	var got bytes.Buffer
	got.Write(chunk.Data)

	lastPercent := tr.Percent()
	verifies := 0
	for want := 2; ; want++ {
		next, done, err := e.Ack(tr, tr.Index+1)
		require.NoError(t, err)
		require.GreaterOrEqual(t, tr.Percent(), lastPercent)
		lastPercent = tr.Percent()

		// A repeated ack for the same index changes nothing.
		again, doneAgain, err := e.Ack(tr, tr.Index)
		require.NoError(t, err)
		require.Nil(t, again)
		require.False(t, doneAgain)

		if done {
			verifies++
			require.Nil(t, next)
			break
		}
		require.Equal(t, want, next.Index)
		require.Empty(t, next.FileName)
		got.Write(next.Data)
		require.Less(t, tr.Percent(), 100)
	}

	require.Equal(t, 1, verifies)
	require.Equal(t, 3, tr.Index)
	require.Equal(t, 100, tr.Percent())
	require.Equal(t, StateAwaitingVerification, tr.State)
	require.Equal(t, data, got.Bytes())

	next, done, err := e.Ack(tr, 4)
	require.NoError(t, err)
	require.Nil(t, next)
	require.False(t, done, "verification is requested exactly once")

	v := e.VerifyRequest(tr)
	require.Equal(t, int64(42), v.FileID)
	require.Equal(t, tr.Hash, v.FileHash)
}

func TestRegisterReturnsExistingTransferForSameHash(t *testing.T) {
	e := NewEngine()
	first, created := e.Register(&Transfer{UserID: "u1", Hash: "h"})
	require.True(t, created)
	second, created := e.Register(&Transfer{UserID: "u1", Hash: "h"})
	require.False(t, created)
	require.Same(t, first, second)

	other, created := e.Register(&Transfer{UserID: "u2", Hash: "h"})
	require.True(t, created)
	require.NotSame(t, first, other)
	require.Equal(t, 2, e.Len())
}

func TestReceiveAndVerify(t *testing.T) {
	dir := t.TempDir()
	_, data := writeRandomFile(t, dir, "src.bin", 1500)
	e := NewEngine()
	tr := &Transfer{FileID: 7, UserID: "u2", PeerID: "u1", Name: "dst.bin", Path: filepath.Join(dir, "dst.bin"), Hash: HashBytes(data), Size: 1500}
	require.NoError(t, e.StartReceive(tr))
	require.Equal(t, 2, tr.Total)

	_, err := e.WriteChunk(tr, 2, 2, data[1024:])
	require.ErrorIs(t, err, ErrChunkOrder)

	dup, err := e.WriteChunk(tr, 1, 2, data[:1024])
	require.NoError(t, err)
	require.False(t, dup)
	dup, err = e.WriteChunk(tr, 1, 2, data[:1024])
	require.NoError(t, err)
	require.True(t, dup)
	require.Equal(t, 50, tr.Percent())

	_, err = e.WriteChunk(tr, 2, 2, data[1024:])
	require.NoError(t, err)
	require.Equal(t, StateAwaitingVerification, tr.State)
	require.Equal(t, 100, tr.Percent())

	got, ok := e.Lookup("u2", protocol.DirectionRecv, 7)
	require.True(t, ok)
	require.Same(t, tr, got)

	match, err := e.Verify(tr, "")
	require.NoError(t, err)
	require.True(t, match)
	require.Equal(t, StateVerified, tr.State)

	require.NoError(t, e.Close(tr))
	_, ok = e.Lookup("u2", protocol.DirectionRecv, 7)
	require.False(t, ok)
	require.Equal(t, StateClosed, tr.State)
	require.FileExists(t, tr.Path)
}

func TestVerifyMismatchRemovesFile(t *testing.T) {
	dir := t.TempDir()
	e := NewEngine()
	tr := &Transfer{FileID: 8, UserID: "u2", Name: "x", Path: filepath.Join(dir, "x"), Hash: HashBytes([]byte("expected")), Size: 5}
	require.NoError(t, e.StartReceive(tr))
	_, err := e.WriteChunk(tr, 1, 1, []byte("other"))
	require.NoError(t, err)

	match, err := e.Verify(tr, "")
	require.NoError(t, err)
	require.False(t, match)
	require.Equal(t, StateFailed, tr.State)
	require.NoFileExists(t, tr.Path)
}

func TestVerifyIncompleteTransferFails(t *testing.T) {
	dir := t.TempDir()
	e := NewEngine()
	tr := &Transfer{FileID: 9, UserID: "u2", Name: "y", Path: filepath.Join(dir, "y"), Size: 3000}
	require.NoError(t, e.StartReceive(tr))
	_, err := e.WriteChunk(tr, 1, 3, make([]byte, 1024))
	require.NoError(t, err)

	match, err := e.Verify(tr, "whatever")
	require.NoError(t, err)
	require.False(t, match)
	require.NoFileExists(t, tr.Path)
}

func TestEmptyFileGoesStraightToVerification(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	e := NewEngine()
	tr, _ := e.Register(&Transfer{UserID: "u1", Name: "empty", Path: path, Hash: HashBytes(nil)})

	chunk, err := e.StartSend(tr)
	require.NoError(t, err)
	require.Nil(t, chunk)
	require.Equal(t, StateAwaitingVerification, tr.State)
	require.Equal(t, 100, tr.Percent())
}

func TestHashFileMatchesHashBytes(t *testing.T) {
	dir := t.TempDir()
	path, data := writeRandomFile(t, dir, "h.bin", 4096)
	got, err := HashFile(path)
	require.NoError(t, err)
	require.Equal(t, HashBytes(data), got)
	require.Len(t, got, 64)
}
