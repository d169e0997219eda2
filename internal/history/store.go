// Package history persists a relay user's chats, friend events and verified
// file hashes in that user's own SQLite database.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/imrelay/internal/database"
	"github.com/charlesng35/imrelay/internal/models"
	"github.com/charlesng35/imrelay/internal/protocol"
	"github.com/charlesng35/imrelay/pkg/logger"
)

const (
	defaultPageSize = 20
	maxPageSize     = 200
)

// Store is one user's history database.
type Store struct {
	db    *gorm.DB
	owner string
	log   *zap.Logger
}

// NewStore wraps an open, migrated database owned by owner.
func NewStore(db *gorm.DB, owner string) (*Store, error) {
	if db == nil {
		return nil, errors.New("history: db is required")
	}
	return &Store{
		db:    db,
		owner: owner,
		log:   logger.WithModule("history").With(zap.String("user_name", owner)),
	}, nil
}

func (s *Store) Owner() string { return s.owner }

func (s *Store) SaveSentText(ctx context.Context, msg protocol.ChatMsg) error {
	return s.saveFriend(ctx, msg, models.DirectionSent)
}

func (s *Store) SaveReceivedText(ctx context.Context, msg protocol.ChatMsg) error {
	return s.saveFriend(ctx, msg, models.DirectionReceived)
}

func (s *Store) SaveSentGroupText(ctx context.Context, msg protocol.GroupChatMsg) error {
	return s.saveGroup(ctx, msg, models.DirectionSent)
}

func (s *Store) SaveReceivedGroupText(ctx context.Context, msg protocol.GroupChatMsg) error {
	return s.saveGroup(ctx, msg, models.DirectionReceived)
}

func (s *Store) saveFriend(ctx context.Context, msg protocol.ChatMsg, direction string) error {
	if strings.TrimSpace(msg.MsgID) == "" {
		return errors.New("history: chat message id is required")
	}
	row := models.FriendMessage{
		MsgID:      msg.MsgID,
		Direction:  direction,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Content:    msg.Context,
		Font:       datatypes.NewJSONType(msg.Font),
		MsgTime:    msg.MsgTime,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seq, err := nextSeq(tx, &models.FriendMessage{})
		if err != nil {
			return err
		}
		row.Seq = seq
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "msg_id"}},
			DoNothing: true,
		}).Create(&row).Error
	})
	if err != nil {
		return fmt.Errorf("history: save chat %s: %w", msg.MsgID, err)
	}
	return nil
}

func (s *Store) saveGroup(ctx context.Context, msg protocol.GroupChatMsg, direction string) error {
	if strings.TrimSpace(msg.MsgID) == "" {
		return errors.New("history: group message id is required")
	}
	row := models.GroupMessage{
		MsgID:     msg.MsgID,
		Direction: direction,
		GroupID:   msg.GroupID,
		SenderID:  msg.SenderID,
		Content:   msg.Context,
		Font:      datatypes.NewJSONType(msg.Font),
		MsgTime:   msg.MsgTime,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seq, err := nextSeq(tx, &models.GroupMessage{})
		if err != nil {
			return err
		}
		row.Seq = seq
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "msg_id"}},
			DoNothing: true,
		}).Create(&row).Error
	})
	if err != nil {
		return fmt.Errorf("history: save group chat %s: %w", msg.MsgID, err)
	}
	return nil
}

func nextSeq(tx *gorm.DB, model any) (int64, error) {
	var last int64
	if err := tx.Model(model).Select("COALESCE(MAX(seq), 0)").Scan(&last).Error; err != nil {
		return 0, err
	}
	return last + 1, nil
}

func pageSize(n int) int {
	switch {
	case n <= 0:
		return defaultPageSize
	case n > maxPageSize:
		return maxPageSize
	default:
		return n
	}
}

// anchorSeq resolves the exclusive paging anchor. An unknown id pages from
// the newest message.
func anchorSeq(ctx context.Context, db *gorm.DB, model any, msgID string) (int64, bool, error) {
	if msgID == "" {
		return 0, false, nil
	}
	var seq int64
	err := db.WithContext(ctx).Model(model).Select("seq").Where("msg_id = ?", msgID).Limit(1).Scan(&seq).Error
	if err != nil {
		return 0, false, err
	}
	return seq, seq > 0, nil
}

// FriendHistory pages backwards through the conversation with req.FriendID
// and returns it oldest first.
func (s *Store) FriendHistory(ctx context.Context, req *protocol.GetFriendChatHistoryReq) ([]protocol.ChatMsg, error) {
	q := s.db.WithContext(ctx).Model(&models.FriendMessage{})
	if req.FriendID != "" {
		q = q.Where("(sender_id = ? OR receiver_id = ?)", req.FriendID, req.FriendID)
	}
	seq, ok, err := anchorSeq(ctx, s.db, &models.FriendMessage{}, req.ChatMsgID)
	if err != nil {
		return nil, fmt.Errorf("history: friend anchor: %w", err)
	}
	if ok {
		q = q.Where("seq < ?", seq)
	}

	var rows []models.FriendMessage
	if err := q.Order("seq DESC").Limit(pageSize(req.Count)).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("history: friend history: %w", err)
	}
	out := make([]protocol.ChatMsg, len(rows))
	for i, row := range rows {
		out[len(rows)-1-i] = row.ToChat()
	}
	return out, nil
}

func (s *Store) GroupHistory(ctx context.Context, req *protocol.GetGroupChatHistoryReq) ([]protocol.GroupChatMsg, error) {
	q := s.db.WithContext(ctx).Model(&models.GroupMessage{}).Where("group_id = ?", req.GroupID)
	seq, ok, err := anchorSeq(ctx, s.db, &models.GroupMessage{}, req.ChatMsgID)
	if err != nil {
		return nil, fmt.Errorf("history: group anchor: %w", err)
	}
	if ok {
		q = q.Where("seq < ?", seq)
	}

	var rows []models.GroupMessage
	if err := q.Order("seq DESC").Limit(pageSize(req.Count)).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("history: group history: %w", err)
	}
	out := make([]protocol.GroupChatMsg, len(rows))
	for i, row := range rows {
		out[len(rows)-1-i] = row.ToChat()
	}
	return out, nil
}

func (s *Store) SaveAddFriendRequest(ctx context.Context, req *protocol.AddFriendRecvReq) error {
	return s.saveEvent(ctx, models.FriendEvent{
		MsgID:      req.MsgID,
		Kind:       models.FriendEventRequest,
		FriendID:   req.FriendID,
		FriendName: req.FriendName,
	}, req)
}

func (s *Store) SaveAddFriendNotify(ctx context.Context, req *protocol.AddFriendNotifyReq) error {
	return s.saveEvent(ctx, models.FriendEvent{
		MsgID:      req.MsgID,
		Kind:       models.FriendEventNotify,
		FriendID:   req.FriendID,
		FriendName: req.FriendName,
		Option:     req.Option,
	}, req)
}

func (s *Store) saveEvent(ctx context.Context, ev models.FriendEvent, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("history: encode friend event: %w", err)
	}
	ev.Payload = datatypes.JSON(raw)
	if err := s.db.WithContext(ctx).Create(&ev).Error; err != nil {
		return fmt.Errorf("history: save friend %s: %w", ev.Kind, err)
	}
	return nil
}

// FriendEvents lists stored add-friend events, newest first.
func (s *Store) FriendEvents(ctx context.Context, limit int) ([]models.FriendEvent, error) {
	var rows []models.FriendEvent
	if err := s.db.WithContext(ctx).Order("created_at DESC").Limit(pageSize(limit)).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("history: friend events: %w", err)
	}
	return rows, nil
}

// FileByHash returns the local path stored for a verified hash.
func (s *Store) FileByHash(ctx context.Context, hash string) (string, bool, error) {
	var rec models.FileRecord
	err := s.db.WithContext(ctx).Take(&rec, "hash = ?", hash).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("history: file by hash: %w", err)
	}
	return rec.Path, true, nil
}

// SaveFileHash records path as the copy of hash, replacing an older path.
func (s *Store) SaveFileHash(ctx context.Context, path, hash string) error {
	if hash == "" || path == "" {
		return errors.New("history: file hash and path are required")
	}
	rec := models.FileRecord{Hash: hash, Path: path}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "hash"}},
		DoUpdates: clause.AssignmentColumns([]string{"path", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("history: save file hash: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.log.Debug("closing history store")
	return database.Close(s.db)
}
