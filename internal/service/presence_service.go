// Package service はプレゼンスディレクトリのビジネスロジックを担当します
// レジストリのメンバーシップ変更をRedisのディレクトリへミラーし、
// スコープ外のWebアプリが参照する読み取りモデルを維持します
package service

import (
	"context"
	"errors"
	"time"

	"github.com/Web3AdvisoryHub/DormLitApp-sub001/internal/models"
	"github.com/Web3AdvisoryHub/DormLitApp-sub001/internal/repo"
)

// PresenceService はプレゼンスディレクトリの更新・参照を提供します
type PresenceService struct {
	repo   repo.PresenceRepo // ディレクトリの永続化を担当するリポジトリ
	ttlSec int               // ディレクトリエントリの有効期限（秒）
	now    func() time.Time  // 入室日時の取得（テストで差し替え可能）
}

// NewPresenceService は新しいPresenceServiceを作成します
func NewPresenceService(r repo.PresenceRepo, ttlSec int) *PresenceService {
	return &PresenceService{repo: r, ttlSec: ttlSec, now: time.Now}
}

// Join はユーザーの入室をディレクトリに記録します
func (s *PresenceService) Join(ctx context.Context, roomId, userId string) error {
	rec := models.PresenceRecord{UserId: userId, JoinedAt: s.now().Unix()}
	return s.repo.AddUser(ctx, roomId, rec, s.ttlSec)
}

// Leave はユーザーの退室をディレクトリに記録します
// 残りの在室者が0人になった場合はルームのエントリごと削除します
func (s *PresenceService) Leave(ctx context.Context, roomId, userId string) error {
	if err := s.repo.RemoveUser(ctx, roomId, userId); err != nil {
		return err
	}
	users, err := s.repo.ListUsers(ctx, roomId)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		return s.repo.DropRoom(ctx, roomId)
	}
	return nil
}

// Snapshot はルームの在室状況を取得します
// 在室者がいないルームは存在しないものとして扱い、ErrRoomNotFoundを返します
func (s *PresenceService) Snapshot(ctx context.Context, roomId string) (models.RoomPresence, error) {
	users, err := s.repo.ListUsers(ctx, roomId)
	if err != nil {
		return models.RoomPresence{}, err
	}
	if len(users) == 0 {
		return models.RoomPresence{}, ErrRoomNotFound
	}
	return models.RoomPresence{RoomId: roomId, Users: users}, nil
}

// SetMood はユーザーの最新ムードをディレクトリに記録します
// ムードの履歴保存はこのコアの責務ではなく、最後に観測した値だけを持ちます
func (s *PresenceService) SetMood(ctx context.Context, roomId, userId, mood string) error {
	if err := s.repo.UpdateUserMood(ctx, roomId, userId, mood); err != nil {
		if errors.Is(err, repo.ErrUserNotFound) {
			return ErrUserNotFound
		}
		return err
	}
	return nil
}

// Touch はルームのディレクトリエントリのTTL（有効期限）を延長します
// ルームにアクティビティがある間、定期的に呼び出されます
func (s *PresenceService) Touch(ctx context.Context, roomId string) error {
	return s.repo.TouchRoom(ctx, roomId, s.ttlSec)
}
