package protocol

// ChunkSize is the fixed payload size of one file chunk.
const ChunkSize = 1024

// FriendSendFileReq offers FileName (a path local to the GUI host) to FriendID.
type FriendSendFileReq struct {
	Base
	UserID    string    `json:"user_id"`
	FriendID  string    `json:"friend_id"`
	FileName  string    `json:"file_name"`
	FileHash  string    `json:"file_hash,omitempty"`
	FileSize  int64     `json:"file_size,omitempty"`
	TransMode TransMode `json:"trans_mode"`
}

// FriendNotifyFileReq tells the sender how the receiver answered a file offer.
type FriendNotifyFileReq struct {
	Base
	UserID    string    `json:"user_id"`
	FriendID  string    `json:"friend_id"`
	FileID    int64     `json:"file_id"`
	FileName  string    `json:"file_name"`
	FileHash  string    `json:"file_hash"`
	TransMode TransMode `json:"trans_mode"`
	Accepted  bool      `json:"accepted"`
}

// FileSendDataBeginReq announces an upload of FileHash from UserID to FriendID.
type FileSendDataBeginReq struct {
	Base
	UserID   string   `json:"user_id"`
	FriendID string   `json:"friend_id"`
	FileID   int64    `json:"file_id"`
	FileName string   `json:"file_name"`
	FileHash string   `json:"file_hash"`
	FileSize int64    `json:"file_size"`
	FileType FileType `json:"file_type"`
}

type FileSendDataBeginRsp struct {
	Base
	ErrCode  ErrCode `json:"err_code"`
	UserID   string  `json:"user_id"`
	FriendID string  `json:"friend_id"`
	FileID   int64   `json:"file_id"`
	FileName string  `json:"file_name"`
	FileHash string  `json:"file_hash"`
}

// ChunkHeader identifies one chunk of a transfer. Index is 1-based.
type ChunkHeader struct {
	UserID   string `json:"user_id"`
	FriendID string `json:"friend_id"`
	FileID   int64  `json:"file_id"`
	Index    int    `json:"data_index"`
	Total    int    `json:"data_total"`
}

// FileDataSendReq carries one chunk from UserID toward FriendID. The first
// chunk of a UDP transfer also names the file so the receiver can open it.
type FileDataSendReq struct {
	Base
	ChunkHeader
	Data     []byte   `json:"data"`
	FileName string   `json:"file_name,omitempty"`
	FileHash string   `json:"file_hash,omitempty"`
	FileType FileType `json:"file_type,omitempty"`
}

type FileDataSendRsp struct {
	Base
	ChunkHeader
	ErrCode ErrCode `json:"err_code"`
}

// FileDataRecvReq carries one chunk pushed to UserID.
type FileDataRecvReq struct {
	Base
	ChunkHeader
	Data     []byte   `json:"data"`
	FileName string   `json:"file_name,omitempty"`
	FileHash string   `json:"file_hash,omitempty"`
	FileType FileType `json:"file_type,omitempty"`
}

type FileDataRecvRsp struct {
	Base
	ChunkHeader
	ErrCode ErrCode `json:"err_code"`
}

type FileVerifyReq struct {
	Base
	UserID   string   `json:"user_id"`
	FriendID string   `json:"friend_id"`
	FileID   int64    `json:"file_id"`
	FileName string   `json:"file_name"`
	FileHash string   `json:"file_hash"`
	FileSize int64    `json:"file_size"`
	FileType FileType `json:"file_type"`
}

type FileVerifyRsp struct {
	Base
	ErrCode  ErrCode `json:"err_code"`
	UserID   string  `json:"user_id"`
	FriendID string  `json:"friend_id"`
	FileID   int64   `json:"file_id"`
	FileName string  `json:"file_name"`
	FileHash string  `json:"file_hash"`
}

// FileDownloadReq asks the backend for an image referenced by chat RelateMsgID.
type FileDownloadReq struct {
	Base
	UserID      string `json:"user_id"`
	RelateMsgID string `json:"relate_msg_id"`
	FileName    string `json:"file_name"`
}

type FileDownloadRsp struct {
	Base
	ErrCode     ErrCode `json:"err_code"`
	UserID      string  `json:"user_id"`
	RelateMsgID string  `json:"relate_msg_id"`
	FileID      int64   `json:"file_id"`
	FileName    string  `json:"file_name"`
	FileHash    string  `json:"file_hash"`
}

type FileProgressNotify struct {
	Base
	UserID    string    `json:"user_id"`
	FriendID  string    `json:"friend_id"`
	FileID    int64     `json:"file_id"`
	FileName  string    `json:"file_name"`
	Percent   int       `json:"percent"`
	FileType  FileType  `json:"file_type"`
	Direction Direction `json:"direction"`
}

type FileResultNotify struct {
	Base
	UserID    string    `json:"user_id"`
	FriendID  string    `json:"friend_id"`
	FileID    int64     `json:"file_id"`
	FileName  string    `json:"file_name"`
	Result    ErrCode   `json:"result"`
	FileType  FileType  `json:"file_type"`
	Direction Direction `json:"direction"`
}

func (*FriendSendFileReq) Type() MsgType    { return TypeFriendSendFileReq }
func (*FriendNotifyFileReq) Type() MsgType  { return TypeFriendNotifyFileReq }
func (*FileSendDataBeginReq) Type() MsgType { return TypeFileSendDataBeginReq }
func (*FileSendDataBeginRsp) Type() MsgType { return TypeFileSendDataBeginRsp }
func (*FileDataSendReq) Type() MsgType      { return TypeFileDataSendReq }
func (*FileDataSendRsp) Type() MsgType      { return TypeFileDataSendRsp }
func (*FileDataRecvReq) Type() MsgType      { return TypeFileDataRecvReq }
func (*FileDataRecvRsp) Type() MsgType      { return TypeFileDataRecvRsp }
func (*FileVerifyReq) Type() MsgType        { return TypeFileVerifyReq }
func (*FileVerifyRsp) Type() MsgType        { return TypeFileVerifyRsp }
func (*FileDownloadReq) Type() MsgType      { return TypeFileDownloadReq }
func (*FileDownloadRsp) Type() MsgType      { return TypeFileDownloadRsp }
func (*FileProgressNotify) Type() MsgType   { return TypeFileProgressNotify }
func (*FileResultNotify) Type() MsgType     { return TypeFileResultNotify }

func (m *FriendSendFileReq) Owner() string    { return m.UserID }
func (m *FriendNotifyFileReq) Owner() string  { return m.UserID }
func (m *FileSendDataBeginReq) Owner() string { return m.UserID }
func (m *FileVerifyReq) Owner() string        { return m.UserID }
func (m *FileDownloadReq) Owner() string      { return m.UserID }
func (m *FileDownloadRsp) Owner() string      { return m.UserID }
func (m *FileProgressNotify) Owner() string   { return m.UserID }
func (m *FileResultNotify) Owner() string     { return m.UserID }
