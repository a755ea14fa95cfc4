package repo

import (
	"context"
	"errors"

	"github.com/Web3AdvisoryHub/DormLitApp-sub001/internal/models"
)

// ErrUserNotFound は対象ユーザーがディレクトリに存在しない場合に返されます
var ErrUserNotFound = errors.New("user not found in presence directory")

// PresenceRepo はプレゼンスディレクトリを永続化するためのインターフェース
// ディレクトリはスコープ外のWebアプリが「誰がオンラインか」を参照するための
// 読み取りモデルで、TTL付きで保存されます
type PresenceRepo interface {
	AddUser(ctx context.Context, roomId string, rec models.PresenceRecord, ttlSec int) error
	RemoveUser(ctx context.Context, roomId, userId string) error
	ListUsers(ctx context.Context, roomId string) ([]models.PresenceRecord, error)
	UpdateUserMood(ctx context.Context, roomId, userId, mood string) error

	DropRoom(ctx context.Context, roomId string) error
	TouchRoom(ctx context.Context, roomId string, ttlSec int) error
}
