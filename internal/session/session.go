// Package session は1接続分のプロトコル状態機械を提供します
// トランスポートとレジストリの間に立ち、認証ハンドシェイク、
// ルーム参加・退出、イベント中継を担当します
package session

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/Web3AdvisoryHub/DormLitApp-sub001/internal/auth"
	"github.com/Web3AdvisoryHub/DormLitApp-sub001/internal/registry"
	"github.com/Web3AdvisoryHub/DormLitApp-sub001/pkg/events"
)

// State は接続の状態を表します
// Connected（未認証）→ Authenticated（認証済み・ルーム未参加）→ InRoom（ルーム参加中）
// と遷移します
type State int

const (
	StateConnected     State = iota // トランスポート接続済み・認証前
	StateAuthenticated              // 認証済み・ルーム未参加
	StateInRoom                     // 認証済み・ルーム参加中
)

// ErrAuthFailed は認証ハンドシェイクの失敗を表します
// 状態機械の中で唯一の致命的エラーで、呼び出し側は接続を切断します
var ErrAuthFailed = errors.New("authentication handshake failed")

// Directory はプレゼンスディレクトリへのミラー更新のインターフェース
// ディレクトリの更新失敗は致命的ではなく、ログに残して続行します
type Directory interface {
	Join(ctx context.Context, roomId, userId string) error
	Leave(ctx context.Context, roomId, userId string) error
	SetMood(ctx context.Context, roomId, userId, mood string) error
}

// Session は1つの接続のプロトコル状態機械です
// 受信ループの1 goroutineからのみ操作される前提で、ロックは持ちません
type Session struct {
	connId string             // 接続の一意な識別子
	reg    *registry.Registry // ルームメンバーシップの管理先
	dir    Directory          // プレゼンスディレクトリのミラー
	auth   auth.Provider      // 認証トークンの検証器
	out    registry.Outbox    // この接続自身への送信口（pong・エラー通知用）

	state  State  // 現在の状態
	userId string // 認証で束縛されたユーザーID（認証前は空）
	roomId string // 参加中のルームID（未参加は空）
}

// New は新しいSessionを作成します
func New(connId string, reg *registry.Registry, dir Directory, ap auth.Provider, out registry.Outbox) *Session {
	return &Session{connId: connId, reg: reg, dir: dir, auth: ap, out: out}
}

// State は現在の状態を返します
func (s *Session) State() State { return s.state }

// UserId は認証で束縛されたユーザーIDを返します
func (s *Session) UserId() string { return s.userId }

// RoomId は参加中のルームIDを返します
func (s *Session) RoomId() string { return s.roomId }

// HandleMessage は受信したメッセージを1件処理します
// 戻り値がnil以外の場合は致命的エラーで、呼び出し側は接続を切断します
// 認証ハンドシェイク以外の不正なメッセージはログに残して無視します
func (s *Session) HandleMessage(ctx context.Context, env events.Envelope) error {
	// 認証前は最初のメッセージがauthであることを要求する
	if s.state == StateConnected {
		if env.Type != events.TypeAuth {
			return fmt.Errorf("%w: expected %s, got %s", ErrAuthFailed, events.TypeAuth, env.Type)
		}
		return s.handleAuth(env.Payload)
	}

	switch env.Type {
	case events.TypeAuth:
		// 認証済み接続での再認証は無視する
		log.Printf("Duplicate auth ignored: connId=%s, userId=%s", s.connId, s.userId)
	case events.TypeJoinRoom:
		s.handleJoin(ctx, env.Payload)
	case events.TypeLeaveRoom:
		s.handleLeave(ctx, env.Payload)
	case events.TypeRoomInteraction:
		s.handleInteraction(env.Payload)
	case events.TypeCoinTransaction:
		s.handleTransaction(env.Payload)
	case events.TypeMoodUpdate:
		s.handleMood(ctx, env.Payload)
	case events.TypePing:
		// ping/pongで接続を維持
		s.reply(events.Envelope{Type: events.TypePong})
	default:
		log.Printf("Unknown message type: %s (connId=%s)", env.Type, s.connId)
	}
	return nil
}

// Close は接続終了時のクリーンアップを行います
// ルーム参加中であれば暗黙のleaveを実行してから資源を解放します
func (s *Session) Close(ctx context.Context) {
	if s.state != StateInRoom {
		return
	}
	roomId, userId := s.roomId, s.userId
	s.state = StateAuthenticated
	s.roomId = ""

	if err := s.reg.Leave(s.connId, roomId, userId); err != nil {
		// 切断との競合でメンバーでない場合があるが致命的ではない
		log.Printf("Auto-leave on disconnect: roomId=%s, connId=%s: %v", roomId, s.connId, err)
	}
	if err := s.dir.Leave(ctx, roomId, userId); err != nil {
		log.Printf("Failed to mirror leave to directory: roomId=%s, userId=%s: %v", roomId, userId, err)
	}
}

// handleAuth は認証ハンドシェイクを処理します
// トークンが不正な場合は致命的エラーを返し、接続は切断されます
func (s *Session) handleAuth(payload interface{}) error {
	var in events.AuthPayload
	if err := events.DecodePayload(payload, &in); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	userId, err := s.auth.Verify(in.Token)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	s.userId = userId
	s.state = StateAuthenticated
	s.reply(events.Envelope{Type: events.TypeAuthOK, Payload: events.PresencePayload{UserId: userId}})
	log.Printf("Authenticated: connId=%s, userId=%s", s.connId, userId)
	return nil
}

// handleJoin はルーム参加を処理します
// 別ルームに参加中の場合はレジストリ側で暗黙のleaveが行われます
func (s *Session) handleJoin(ctx context.Context, payload interface{}) {
	var in events.JoinPayload
	if err := events.DecodePayload(payload, &in); err != nil {
		log.Printf("Failed to decode join payload: connId=%s: %v", s.connId, err)
		return
	}
	if in.RoomId == "" {
		log.Printf("roomId required for join: connId=%s", s.connId)
		return
	}
	// 申告されたuserIdは使わず、認証で束縛された識別子だけを信用する
	if in.UserId != "" && in.UserId != s.userId {
		log.Printf("UserId mismatch on join: expected %s, got %s", s.userId, in.UserId)
		return
	}

	prevRoomId, err := s.reg.Join(s.connId, in.RoomId, s.userId, s.out)
	if err != nil {
		log.Printf("Failed to join room: roomId=%s, connId=%s: %v", in.RoomId, s.connId, err)
		return
	}
	if prevRoomId != "" {
		if err := s.dir.Leave(ctx, prevRoomId, s.userId); err != nil {
			log.Printf("Failed to mirror implicit leave to directory: roomId=%s, userId=%s: %v", prevRoomId, s.userId, err)
		}
	}
	if err := s.dir.Join(ctx, in.RoomId, s.userId); err != nil {
		log.Printf("Failed to mirror join to directory: roomId=%s, userId=%s: %v", in.RoomId, s.userId, err)
	}

	s.state = StateInRoom
	s.roomId = in.RoomId
	log.Printf("Joined room: roomId=%s, connId=%s, userId=%s", in.RoomId, s.connId, s.userId)
}

// handleLeave はルーム退出を処理します
// メンバーでない・ルーム不一致の退出は許容してログに残します
func (s *Session) handleLeave(ctx context.Context, payload interface{}) {
	var in events.LeavePayload
	if err := events.DecodePayload(payload, &in); err != nil {
		log.Printf("Failed to decode leave payload: connId=%s: %v", s.connId, err)
		return
	}
	if s.state != StateInRoom || in.RoomId != s.roomId {
		log.Printf("Leave for a room the connection is not in: roomId=%s, connId=%s", in.RoomId, s.connId)
		return
	}

	roomId := s.roomId
	s.state = StateAuthenticated
	s.roomId = ""

	if err := s.reg.Leave(s.connId, roomId, s.userId); err != nil {
		log.Printf("Failed to leave room: roomId=%s, connId=%s: %v", roomId, s.connId, err)
	}
	if err := s.dir.Leave(ctx, roomId, s.userId); err != nil {
		log.Printf("Failed to mirror leave to directory: roomId=%s, userId=%s: %v", roomId, s.userId, err)
	}
	log.Printf("Left room: roomId=%s, connId=%s, userId=%s", roomId, s.connId, s.userId)
}

// handleInteraction はルーム内インタラクションを中継します
func (s *Session) handleInteraction(payload interface{}) {
	var in events.RoomInteraction
	if err := events.DecodePayload(payload, &in); err != nil {
		log.Printf("Failed to decode interaction payload: connId=%s: %v", s.connId, err)
		return
	}
	if !s.emitAllowed(in.RoomId) {
		return
	}
	out := events.RoomInteraction{
		Stamp:           s.reg.NewStamp(s.roomId, s.userId),
		InteractionType: in.InteractionType,
		Data:            in.Data,
	}
	s.reg.Broadcast(s.roomId, events.Wrap(out), s.connId)
}

// handleTransaction はコイン取引イベントを中継します
func (s *Session) handleTransaction(payload interface{}) {
	var in events.CoinTransaction
	if err := events.DecodePayload(payload, &in); err != nil {
		log.Printf("Failed to decode transaction payload: connId=%s: %v", s.connId, err)
		return
	}
	if !s.emitAllowed(in.RoomId) {
		return
	}
	out := events.CoinTransaction{
		Stamp:  s.reg.NewStamp(s.roomId, s.userId),
		Amount: in.Amount,
	}
	s.reg.Broadcast(s.roomId, events.Wrap(out), s.connId)
}

// handleMood はムード更新イベントを中継し、最新ムードをディレクトリへ反映します
func (s *Session) handleMood(ctx context.Context, payload interface{}) {
	var in events.MoodUpdate
	if err := events.DecodePayload(payload, &in); err != nil {
		log.Printf("Failed to decode mood payload: connId=%s: %v", s.connId, err)
		return
	}
	if !s.emitAllowed(in.RoomId) {
		return
	}
	out := events.MoodUpdate{
		Stamp: s.reg.NewStamp(s.roomId, s.userId),
		Mood:  in.Mood,
	}
	s.reg.Broadcast(s.roomId, events.Wrap(out), s.connId)

	if err := s.dir.SetMood(ctx, s.roomId, s.userId, in.Mood); err != nil {
		log.Printf("Failed to mirror mood to directory: roomId=%s, userId=%s: %v", s.roomId, s.userId, err)
	}
}

// emitAllowed はイベント発行の前提条件を検証します
// ルーム未参加、または申告されたroomIdが参加中のルームと一致しない
// イベントは破棄します。参加していないルームへのイベント注入は
// ここで必ず遮断されます
func (s *Session) emitAllowed(declaredRoomId string) bool {
	if s.state != StateInRoom {
		log.Printf("Emit while not in a room, dropped: connId=%s", s.connId)
		return false
	}
	if declaredRoomId != "" && declaredRoomId != s.roomId {
		log.Printf("Room mismatch on emit, dropped: declared=%s, current=%s, connId=%s", declaredRoomId, s.roomId, s.connId)
		return false
	}
	return true
}

// reply はこの接続自身へメッセージを送ります
func (s *Session) reply(env events.Envelope) {
	if !s.out.TrySend(env) {
		log.Printf("Failed to reply to connection: connId=%s, type=%s", s.connId, env.Type)
	}
}
