package relay

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	sha256 "github.com/minio/sha256-simd"

	"github.com/charlesng35/imrelay/internal/protocol"
)

var (
	ErrNoTransfer   = errors.New("relay: no such transfer")
	ErrChunkOrder   = errors.New("relay: chunk out of order")
	ErrTransferDone = errors.New("relay: transfer already complete")
)

// TransferState is the lifecycle of one file transfer.
type TransferState int

const (
	StateIdle TransferState = iota
	StateSendingChunks
	StateAwaitingVerification
	StateVerified
	StateFailed
	StateClosed
)

func (s TransferState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSendingChunks:
		return "sending_chunks"
	case StateAwaitingVerification:
		return "awaiting_verification"
	case StateVerified:
		return "verified"
	case StateFailed:
		return "failed"
	default:
		return "closed"
	}
}

// TransferMode is the path chunks travel on.
type TransferMode int

const (
	ModeBackend TransferMode = iota
	ModeUDPServer
	ModeUDPDirect
)

func (m TransferMode) String() string {
	switch m {
	case ModeUDPServer:
		return "udp_server"
	case ModeUDPDirect:
		return "udp_direct"
	default:
		return "backend"
	}
}

// Transfer is one file moving between a relay user and a peer.
type Transfer struct {
	FileID    int64
	UserID    string
	PeerID    string
	Name      string
	Path      string
	Hash      string
	Size      int64
	Type      protocol.FileType
	Direction protocol.Direction
	Mode      TransferMode
	Total     int
	Index     int
	State     TransferState

	file *os.File
}

// ChunkCount is ceil(size/ChunkSize).
func ChunkCount(size int64) int {
	if size <= 0 {
		return 0
	}
	return int((size + protocol.ChunkSize - 1) / protocol.ChunkSize)
}

// Percent is 100*Index/Total, or 100 for an empty file.
func (t *Transfer) Percent() int {
	if t.Total <= 0 {
		return 100
	}
	if t.Index >= t.Total {
		return 100
	}
	return 100 * t.Index / t.Total
}

func (t *Transfer) closeFile() error {
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}

type transferKey struct {
	user string
	dir  protocol.Direction
	id   int64
}

type hashKey struct {
	user string
	hash string
}

// Engine tracks active transfers. Outgoing transfers are known by content
// hash from registration and by file id once the backend assigns one.
type Engine struct {
	byID   map[transferKey]*Transfer
	byHash map[hashKey]*Transfer
}

func NewEngine() *Engine {
	return &Engine{
		byID:   make(map[transferKey]*Transfer),
		byHash: make(map[hashKey]*Transfer),
	}
}

func (e *Engine) Len() int {
	seen := make(map[*Transfer]struct{}, len(e.byID)+len(e.byHash))
	for _, t := range e.byID {
		seen[t] = struct{}{}
	}
	for _, t := range e.byHash {
		seen[t] = struct{}{}
	}
	return len(seen)
}

// Register adds an outgoing transfer. An unfinished transfer of the same
// content for the same user is returned instead.
func (e *Engine) Register(t *Transfer) (*Transfer, bool) {
	t.Direction = protocol.DirectionSend
	if t.Total == 0 {
		t.Total = ChunkCount(t.Size)
	}
	key := hashKey{t.UserID, t.Hash}
	if cur, ok := e.byHash[key]; ok {
		return cur, false
	}
	e.byHash[key] = t
	if t.FileID != 0 {
		e.byID[transferKey{t.UserID, t.Direction, t.FileID}] = t
	}
	return t, true
}

// Outgoing finds the outgoing transfer of hash for user.
func (e *Engine) Outgoing(user, hash string) (*Transfer, bool) {
	t, ok := e.byHash[hashKey{user, hash}]
	return t, ok
}

func (e *Engine) Lookup(user string, dir protocol.Direction, fileID int64) (*Transfer, bool) {
	t, ok := e.byID[transferKey{user, dir, fileID}]
	return t, ok
}

// Assign records the backend file id of an outgoing transfer.
func (e *Engine) Assign(t *Transfer, fileID int64) {
	if t.FileID != 0 {
		delete(e.byID, transferKey{t.UserID, t.Direction, t.FileID})
	}
	t.FileID = fileID
	e.byID[transferKey{t.UserID, t.Direction, fileID}] = t
}

// StartSend opens the source file and returns the first chunk. An empty
// file yields no chunk and goes straight to verification.
func (e *Engine) StartSend(t *Transfer) (*protocol.FileDataSendReq, error) {
	if t.State != StateIdle {
		return nil, fmt.Errorf("%w: %s", ErrTransferDone, t.State)
	}
	f, err := os.Open(t.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", t.Path, err)
	}
	t.file = f
	t.Index = 0
	if t.Total == 0 {
		t.Total = ChunkCount(t.Size)
	}
	if t.Total == 0 {
		_ = t.closeFile()
		t.State = StateAwaitingVerification
		return nil, nil
	}
	t.State = StateSendingChunks
	return e.chunk(t, 1)
}

func (e *Engine) chunk(t *Transfer, index int) (*protocol.FileDataSendReq, error) {
	buf := make([]byte, protocol.ChunkSize)
	n, err := t.file.ReadAt(buf, int64(index-1)*protocol.ChunkSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read chunk %d of %s: %w", index, t.Name, err)
	}
	req := &protocol.FileDataSendReq{
		ChunkHeader: protocol.ChunkHeader{
			UserID:   t.UserID,
			FriendID: t.PeerID,
			FileID:   t.FileID,
			Index:    index,
			Total:    t.Total,
		},
		Data: buf[:n],
	}
	if index == 1 {
		req.FileName = t.Name
		req.FileHash = t.Hash
		req.FileType = t.Type
	}
	return req, nil
}

// Ack advances an outgoing transfer past index. It returns the next chunk,
// or true once the last chunk was acknowledged and the transfer awaits
// verification. Stale and duplicate acks leave the transfer unchanged.
func (e *Engine) Ack(t *Transfer, index int) (*protocol.FileDataSendReq, bool, error) {
	if t.State != StateSendingChunks || index != t.Index+1 || index > t.Total {
		return nil, false, nil
	}
	t.Index = index
	if t.Index == t.Total {
		if err := t.closeFile(); err != nil {
			return nil, false, err
		}
		t.State = StateAwaitingVerification
		return nil, true, nil
	}
	next, err := e.chunk(t, t.Index+1)
	return next, false, err
}

// VerifyRequest builds the verification request sent once all chunks are out.
func (e *Engine) VerifyRequest(t *Transfer) *protocol.FileVerifyReq {
	return &protocol.FileVerifyReq{
		UserID:   t.UserID,
		FriendID: t.PeerID,
		FileID:   t.FileID,
		FileName: t.Name,
		FileHash: t.Hash,
		FileSize: t.Size,
		FileType: t.Type,
	}
}

// StartReceive creates or truncates the destination of an incoming transfer.
func (e *Engine) StartReceive(t *Transfer) error {
	t.Direction = protocol.DirectionRecv
	f, err := os.OpenFile(t.Path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", t.Path, err)
	}
	if prev, ok := e.byID[transferKey{t.UserID, t.Direction, t.FileID}]; ok && prev != t {
		_ = prev.closeFile()
	}
	t.file = f
	t.Index = 0
	if t.Total == 0 {
		t.Total = ChunkCount(t.Size)
	}
	t.State = StateSendingChunks
	if t.Total == 0 {
		_ = t.closeFile()
		t.State = StateAwaitingVerification
	}
	e.byID[transferKey{t.UserID, t.Direction, t.FileID}] = t
	return nil
}

// WriteChunk appends chunk index to an incoming transfer. It reports true
// for a duplicate of an already written chunk.
func (e *Engine) WriteChunk(t *Transfer, index, total int, data []byte) (bool, error) {
	if t.Total == 0 && total > 0 && t.State == StateSendingChunks {
		t.Total = total
	}
	if index >= 1 && index <= t.Index {
		return true, nil
	}
	if t.State != StateSendingChunks || t.file == nil {
		return false, fmt.Errorf("%w: %s", ErrTransferDone, t.State)
	}
	if index != t.Index+1 || index > t.Total {
		return false, fmt.Errorf("%w: got %d after %d of %d", ErrChunkOrder, index, t.Index, t.Total)
	}
	if _, err := t.file.Write(data); err != nil {
		return false, fmt.Errorf("write chunk %d of %s: %w", index, t.Name, err)
	}
	t.Index = index
	if t.Index == t.Total {
		if err := t.closeFile(); err != nil {
			return false, err
		}
		t.State = StateAwaitingVerification
	}
	return false, nil
}

// Verify recomputes the hash of a received file and compares it with want.
// A mismatch removes the file.
func (e *Engine) Verify(t *Transfer, want string) (bool, error) {
	if want == "" {
		want = t.Hash
	}
	if t.State != StateAwaitingVerification {
		_ = t.closeFile()
		_ = os.Remove(t.Path)
		t.State = StateFailed
		return false, nil
	}
	got, err := HashFile(t.Path)
	if err != nil {
		t.State = StateFailed
		return false, err
	}
	if got != want {
		_ = os.Remove(t.Path)
		t.State = StateFailed
		return false, nil
	}
	t.Hash = got
	t.State = StateVerified
	return true, nil
}

// Close releases t and forgets it.
func (e *Engine) Close(t *Transfer) error {
	err := t.closeFile()
	delete(e.byID, transferKey{t.UserID, t.Direction, t.FileID})
	if cur, ok := e.byHash[hashKey{t.UserID, t.Hash}]; ok && cur == t {
		delete(e.byHash, hashKey{t.UserID, t.Hash})
	}
	t.State = StateClosed
	return err
}

// DropUser closes every transfer owned by user.
func (e *Engine) DropUser(user string) {
	for k, t := range e.byID {
		if k.user == user {
			_ = e.Close(t)
		}
	}
	for k, t := range e.byHash {
		if k.user == user {
			_ = e.Close(t)
		}
	}
}

// HashFile returns the hex SHA-256 of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes returns the hex SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
