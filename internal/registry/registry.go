// Package registry はルームと接続のメンバーシップを管理します
// room→members のマッピングを唯一所有し、ルーム内へのイベントの
// ファンアウトを担当します。他のコンポーネントはこのパッケージを
// 経由せずにメンバーシップを変更してはいけません
package registry

import (
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/Web3AdvisoryHub/DormLitApp-sub001/pkg/events"
	"github.com/google/uuid"
)

// カスタムエラー定義
var (
	ErrNotMember = errors.New("connection is not a member of room")
)

// Outbox は1接続への送信口を表すインターフェース
// TrySendはブロックせず、送信キューが詰まっている・閉じている場合は
// falseを返します。falseを返したメンバーはレジストリから除去されるため、
// 1本の停止した接続がブロードキャスト全体を止めることはありません
type Outbox interface {
	TrySend(env events.Envelope) bool
}

// member はルームに参加している1接続を表します
type member struct {
	connId string // 接続の一意な識別子
	userId string // 接続に紐づくユーザーID
	out    Outbox // 接続への送信口
}

// room は1つのルームのメンバー集合を管理します
type room struct {
	roomId  string             // ルームID
	mu      sync.RWMutex       // メンバーマップのロック
	members map[string]*member // 接続IDをキーとしたメンバーのマップ
}

// Registry はルームのメンバーシップとファンアウトを管理します
// 複数のgoroutineから同時にアクセス可能です
type Registry struct {
	mu    sync.RWMutex      // roomsとindexのロック
	rooms map[string]*room  // ルームIDをキーとしたルームのマップ
	index map[string]string // 接続ID→所属ルームID（一接続一ルームの不変条件を保証）
	now   func() time.Time  // タイムスタンプ刻印用（テストで差し替え可能）
}

// New は新しいRegistryを作成します
func New() *Registry {
	return &Registry{
		rooms: make(map[string]*room),
		index: make(map[string]string),
		now:   time.Now,
	}
}

// NewStamp はイベントに刻印する共通属性を生成します
// タイムスタンプと送信者IDはクライアントの申告を使わず、
// ここで必ず採番・刻印します
func (r *Registry) NewStamp(roomId, userId string) events.Stamp {
	return events.Stamp{
		EventId:  uuid.NewString(),
		RoomId:   roomId,
		UserId:   userId,
		ServerTs: r.now().UnixMilli(),
	}
}

// Join は接続をルームに参加させます
// 既に別のルームに参加している場合は、先にそのルームから退出させてから
// 参加します（参加は追加ではなく移動）。退出した旧ルームのIDを返すので、
// 呼び出し側はディレクトリ等のミラーを更新できます
// 同じルームへの再参加は冪等で、何もせず成功します
// 参加通知（user_joined）は参加者本人を除く既存メンバーに送信されます
func (r *Registry) Join(connId, roomId, userId string, out Outbox) (prevRoomId string, err error) {
	r.mu.Lock()

	// 同じルームへの再参加は何もしない
	if r.index[connId] == roomId {
		r.mu.Unlock()
		return "", nil
	}

	// 別ルームに参加中なら先に退出させる（暗黙のleave）
	var prevTargets []*member
	if prev, ok := r.index[connId]; ok {
		prevRoomId = prev
		prevTargets = r.removeLocked(connId, prev)
	}

	rm, exists := r.rooms[roomId]
	if !exists {
		// 初回参加時にルームを遅延生成する
		rm = &room{roomId: roomId, members: make(map[string]*member)}
		r.rooms[roomId] = rm
	}

	m := &member{connId: connId, userId: userId, out: out}
	rm.mu.Lock()
	rm.members[connId] = m
	joinTargets := rm.othersLocked(connId)
	rm.mu.Unlock()

	r.index[connId] = roomId
	r.mu.Unlock()

	// 通知の配送はロックの外で行う
	if prevRoomId != "" {
		r.deliver(prevRoomId, prevTargets, events.Envelope{
			Type:    events.TypeUserLeft,
			Payload: events.PresencePayload{RoomId: prevRoomId, UserId: userId},
		})
	}
	r.deliver(roomId, joinTargets, events.Envelope{
		Type:    events.TypeUserJoined,
		Payload: events.PresencePayload{RoomId: roomId, UserId: userId},
	})

	return prevRoomId, nil
}

// Leave は接続をルームから退出させます
// メンバーでなかった場合はErrNotMemberを返しますが、切断との競合で
// 起こり得るため呼び出し側ではログに残して続行します
// 最後のメンバーが退出したルームは削除されます
func (r *Registry) Leave(connId, roomId, userId string) error {
	r.mu.Lock()
	if r.index[connId] != roomId {
		r.mu.Unlock()
		return ErrNotMember
	}
	targets := r.removeLocked(connId, roomId)
	r.mu.Unlock()

	r.deliver(roomId, targets, events.Envelope{
		Type:    events.TypeUserLeft,
		Payload: events.PresencePayload{RoomId: roomId, UserId: userId},
	})
	return nil
}

// Broadcast はルーム内の全メンバーにエンベロープを配送します
// excludeConnIdに一致する接続（通常は送信者自身）には送信しません
// 個別のメンバーへの配送失敗はブロードキャスト全体の失敗にはならず、
// 失敗したメンバーだけがleaveと同じ経路で除去されます
func (r *Registry) Broadcast(roomId string, env events.Envelope, excludeConnId string) {
	r.mu.RLock()
	rm, ok := r.rooms[roomId]
	r.mu.RUnlock()
	if !ok {
		return
	}

	rm.mu.RLock()
	targets := rm.othersLocked(excludeConnId)
	rm.mu.RUnlock()

	r.deliver(roomId, targets, env)
}

// MembersOf はルームの現在のメンバーのユーザーID一覧を返します
// 呼び出し時点のスナップショットで、安定した順序（辞書順）で返します
func (r *Registry) MembersOf(roomId string) []string {
	r.mu.RLock()
	rm, ok := r.rooms[roomId]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	rm.mu.RLock()
	ids := make([]string, 0, len(rm.members))
	for _, m := range rm.members {
		ids = append(ids, m.userId)
	}
	rm.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// RoomExists はルームが存在する（=メンバーが1人以上いる）かを返します
func (r *Registry) RoomExists(roomId string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomId]
	return ok
}

// removeLocked は接続をルームから取り除き、残ったメンバーを返します
// r.muのロックを保持した状態で呼び出すこと
func (r *Registry) removeLocked(connId, roomId string) []*member {
	delete(r.index, connId)

	rm, ok := r.rooms[roomId]
	if !ok {
		return nil
	}

	rm.mu.Lock()
	delete(rm.members, connId)
	remaining := rm.othersLocked("")
	isEmpty := len(rm.members) == 0
	rm.mu.Unlock()

	// 空になったルームは削除する
	if isEmpty {
		delete(r.rooms, roomId)
	}
	return remaining
}

// othersLocked はexcludeConnIdを除いたメンバーの一覧を返します
// room.muのロックを保持した状態で呼び出すこと
func (rm *room) othersLocked(excludeConnId string) []*member {
	out := make([]*member, 0, len(rm.members))
	for connId, m := range rm.members {
		if connId == excludeConnId {
			continue
		}
		out = append(out, m)
	}
	return out
}

// deliver はメンバー一覧へエンベロープを配送します
// 送信口が詰まっている・閉じているメンバーは脱落とみなし、
// leaveと同じ経路でルームから除去します
func (r *Registry) deliver(roomId string, targets []*member, env events.Envelope) {
	for _, m := range targets {
		if m.out.TrySend(env) {
			continue
		}
		log.Printf("Failed to deliver to member, pruning: roomId=%s, connId=%s, userId=%s", roomId, m.connId, m.userId)
		if err := r.Leave(m.connId, roomId, m.userId); err != nil && !errors.Is(err, ErrNotMember) {
			log.Printf("Failed to prune member: roomId=%s, connId=%s: %v", roomId, m.connId, err)
		}
	}
}
