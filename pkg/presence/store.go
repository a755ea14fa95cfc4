// Package presence はクライアント側のプレゼンスストアを提供します
// 1プロセスにつき1本の論理接続を所有し、接続状態・参加中ルーム・
// 受信イベント列・メンバー一覧をUI層へ読み取り専用で公開します
// UI層は複数のコンポーネントから同時にコマンドを呼んでも安全です
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/Web3AdvisoryHub/DormLitApp-sub001/pkg/events"
	"github.com/gorilla/websocket"
)

// Status は接続状態を表します
type Status int

const (
	StatusDisconnected Status = iota // 未接続
	StatusConnecting                 // 接続試行中
	StatusConnected                  // 接続済み
)

// ErrNotConnected は未接続状態でjoin/leaveを呼んだ場合に返されます
var ErrNotConnected = errors.New("presence store is not connected")

const (
	baseBackoff   = 500 * time.Millisecond // 再接続の初期待ち時間
	maxBackoff    = 30 * time.Second       // 再接続待ち時間の上限
	handshakeWait = 5 * time.Second        // 認証ハンドシェイクの待ち時間
	dialTimeout   = 10 * time.Second       // 再接続時のダイヤルタイムアウト
)

// Options はストアの設定です
type Options struct {
	URL   string // 接続先（例: ws://localhost:8080/api/v1/ws）
	Token string // 上流の認証基盤が発行したトークン

	// DisableReconnect をtrueにすると切断後の自動再接続を行いません
	// 再接続してもルームには自動で再参加しません（呼び出し側の責務）
	DisableReconnect bool

	// OnEvent はサーバーからの受信メッセージごとに受信ループの
	// goroutine上で呼ばれます（任意）
	OnEvent func(env events.Envelope)
}

// Store はクライアント側のプレゼンス状態の単一の情報源です
// グローバル変数ではなく、UIの合成ルートで明示的に生成して注入します
type Store struct {
	opts Options

	mu           sync.Mutex      // 以下のフィールドすべてのロック
	status       Status          // 現在の接続状態
	conn         *websocket.Conn // 現在のトランスポート（未接続はnil）
	gen          int             // 接続の世代番号（古い受信ループの後始末を無視するため）
	closing      bool            // Disconnectが呼ばれたか
	reconnecting bool            // 再接続ループが動作中か

	roomId       string                   // 参加中のルームID（未参加は空）
	members      map[string]struct{}      // 参加中ルームのメンバーのユーザーID
	interactions []events.RoomInteraction // 受信したインタラクションの到着順ログ
	transactions []events.CoinTransaction // 受信したコイン取引の到着順ログ
	moods        []events.MoodUpdate      // 受信したムード更新の到着順ログ
}

// NewStore は新しいStoreを作成します
func NewStore(opts Options) *Store {
	return &Store{opts: opts, members: make(map[string]struct{})}
}

// Connect はトランスポートを確立します
// 冪等で、既に接続中・接続済みの場合は何もしません
// 2回呼んでも2本目の接続が開くことはありません
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusDisconnected || s.reconnecting {
		s.mu.Unlock()
		return nil
	}
	s.closing = false
	s.status = StatusConnecting
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	if err != nil {
		s.mu.Lock()
		s.status = StatusDisconnected
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.status = StatusConnected
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	go s.readLoop(conn, gen)
	return nil
}

// Disconnect はトランスポートを閉じ、すべてのルーム状態をクリアします
// 再接続は行いません。未接続の場合は何もしません
func (s *Store) Disconnect() {
	s.mu.Lock()
	s.closing = true
	conn := s.conn
	s.conn = nil
	s.status = StatusDisconnected
	s.clearRoomStateLocked()
	s.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}
}

// JoinRoom はルーム参加コマンドを送ります
// サーバーの応答は待たず、参加中ルームIDを楽観的に更新します
// （以降のプレゼンス通知で整合が取られます）
// 既に別ルームに参加中の場合は暗黙の移動になり、ログとメンバー一覧は
// クリアされます
func (s *Store) JoinRoom(roomId, userId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusConnected || s.conn == nil {
		return ErrNotConnected
	}
	if s.roomId == roomId {
		return nil
	}

	env := events.Envelope{
		Type:    events.TypeJoinRoom,
		Payload: events.JoinPayload{RoomId: roomId, UserId: userId},
	}
	if err := s.conn.WriteJSON(env); err != nil {
		return err
	}

	s.clearRoomStateLocked()
	s.roomId = roomId
	return nil
}

// LeaveRoom はルーム退出コマンドを送り、ルーム状態をクリアします
func (s *Store) LeaveRoom(roomId, userId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusConnected || s.conn == nil {
		return ErrNotConnected
	}
	if s.roomId != roomId {
		log.Printf("Leave for a room the store is not in, dropped: roomId=%s", roomId)
		return nil
	}

	env := events.Envelope{
		Type:    events.TypeLeaveRoom,
		Payload: events.LeavePayload{RoomId: roomId, UserId: userId},
	}
	if err := s.conn.WriteJSON(env); err != nil {
		return err
	}

	s.clearRoomStateLocked()
	return nil
}

// SendInteraction はルーム内インタラクションを送信します
// 未接続・ルーム未参加の場合は黙って破棄します（エラーではない）
func (s *Store) SendInteraction(interactionType string, data json.RawMessage) error {
	return s.emit(events.Envelope{
		Type:    events.TypeRoomInteraction,
		Payload: events.RoomInteraction{InteractionType: interactionType, Data: data},
	})
}

// SendTransaction はコイン取引イベントを送信します
// 未接続・ルーム未参加の場合は黙って破棄します
func (s *Store) SendTransaction(amount int64) error {
	return s.emit(events.Envelope{
		Type:    events.TypeCoinTransaction,
		Payload: events.CoinTransaction{Amount: amount},
	})
}

// SendMood はムード更新イベントを送信します
// 未接続・ルーム未参加の場合は黙って破棄します
func (s *Store) SendMood(mood string) error {
	return s.emit(events.Envelope{
		Type:    events.TypeMoodUpdate,
		Payload: events.MoodUpdate{Mood: mood},
	})
}

// Status は現在の接続状態を返します
func (s *Store) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// CurrentRoom は参加中のルームIDを返します（未参加は空文字列）
func (s *Store) CurrentRoom() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomId
}

// Members は参加中ルームのメンバー一覧のスナップショットを返します（辞書順）
func (s *Store) Members() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.members))
	for id := range s.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Interactions は受信したインタラクションの到着順ログを返します
func (s *Store) Interactions() []events.RoomInteraction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.RoomInteraction, len(s.interactions))
	copy(out, s.interactions)
	return out
}

// Transactions は受信したコイン取引の到着順ログを返します
func (s *Store) Transactions() []events.CoinTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.CoinTransaction, len(s.transactions))
	copy(out, s.transactions)
	return out
}

// Moods は受信したムード更新の到着順ログを返します
func (s *Store) Moods() []events.MoodUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.MoodUpdate, len(s.moods))
	copy(out, s.moods)
	return out
}

// emit はイベントのペイロードに参加中ルームIDを補ってから送信します
// 接続済みかつルーム参加中でない場合は破棄します
func (s *Store) emit(env events.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusConnected || s.conn == nil || s.roomId == "" {
		log.Printf("Emit while not in a room, dropped: type=%s", env.Type)
		return nil
	}

	// roomIdを現在のルームで上書きする
	switch p := env.Payload.(type) {
	case events.RoomInteraction:
		p.RoomId = s.roomId
		env.Payload = p
	case events.CoinTransaction:
		p.RoomId = s.roomId
		env.Payload = p
	case events.MoodUpdate:
		p.RoomId = s.roomId
		env.Payload = p
	}
	return s.conn.WriteJSON(env)
}

// dial はトランスポートを確立し、認証ハンドシェイクを完了させます
func (s *Store) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.opts.URL, nil)
	if err != nil {
		return nil, err
	}

	// 最初のメッセージとして認証トークンを送る
	auth := events.Envelope{Type: events.TypeAuth, Payload: events.AuthPayload{Token: s.opts.Token}}
	if err := conn.WriteJSON(auth); err != nil {
		conn.Close()
		return nil, err
	}

	// auth_okを待つ（期限付き）
	conn.SetReadDeadline(time.Now().Add(handshakeWait))
	var reply events.Envelope
	if err := conn.ReadJSON(&reply); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetReadDeadline(time.Time{})
	if reply.Type != events.TypeAuthOK {
		conn.Close()
		return nil, errors.New("authentication rejected by server")
	}
	return conn, nil
}

// readLoop はサーバーからのメッセージを受信して状態へ反映します
// 受信ループの1 goroutineだけが状態を書き換える（single-writer）ため、
// UI側の購読は常に一貫したスナップショットを読めます
func (s *Store) readLoop(conn *websocket.Conn, gen int) {
	for {
		var env events.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			break
		}
		s.dispatch(env)
		if s.opts.OnEvent != nil {
			s.opts.OnEvent(env)
		}
	}
	conn.Close()
	s.handleTransportClose(gen)
}

// dispatch は受信メッセージを1件、公開状態へ反映します
func (s *Store) dispatch(env events.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch env.Type {
	case events.TypeUserJoined:
		var p events.PresencePayload
		if err := events.DecodePayload(env.Payload, &p); err != nil {
			log.Printf("Failed to decode presence payload: %v", err)
			return
		}
		if p.RoomId == s.roomId {
			s.members[p.UserId] = struct{}{}
		}
	case events.TypeUserLeft:
		var p events.PresencePayload
		if err := events.DecodePayload(env.Payload, &p); err != nil {
			log.Printf("Failed to decode presence payload: %v", err)
			return
		}
		if p.RoomId == s.roomId {
			delete(s.members, p.UserId)
		}
	case events.TypeRoomInteraction, events.TypeCoinTransaction, events.TypeMoodUpdate:
		ev, err := events.DecodeEvent(env)
		if err != nil {
			log.Printf("Failed to decode event: type=%s: %v", env.Type, err)
			return
		}
		if ev.Room() != s.roomId {
			// 退出直後に届いた旧ルームのイベントは捨てる
			return
		}
		switch e := ev.(type) {
		case events.RoomInteraction:
			s.interactions = append(s.interactions, e)
		case events.CoinTransaction:
			s.transactions = append(s.transactions, e)
		case events.MoodUpdate:
			s.moods = append(s.moods, e)
		}
	case events.TypePong, events.TypeAuthOK:
		// 状態には影響しない
	case events.TypeError:
		var p events.ErrorPayload
		if events.DecodePayload(env.Payload, &p) == nil {
			log.Printf("Server error: %s", p.Message)
		}
	default:
		log.Printf("Unknown message type from server: %s", env.Type)
	}
}

// handleTransportClose はトランスポート切断時の後始末を行います
// ルーム状態をすべてクリアし、自動再接続が有効なら再接続ループを起動します
// 再接続してもルームには自動で再参加しません
func (s *Store) handleTransportClose(gen int) {
	s.mu.Lock()
	if s.gen != gen {
		// 既に新しい接続へ世代が進んでいる
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.status = StatusDisconnected
	s.clearRoomStateLocked()
	reconnect := !s.closing && !s.opts.DisableReconnect && !s.reconnecting
	if reconnect {
		s.reconnecting = true
	}
	s.mu.Unlock()

	if reconnect {
		go s.reconnectLoop()
	}
}

// reconnectLoop は指数バックオフで再接続を試みます
// 初期500ms、失敗ごとに2倍、上限30秒。成功でリセットして終了します
func (s *Store) reconnectLoop() {
	backoff := baseBackoff
	for {
		time.Sleep(backoff)

		s.mu.Lock()
		if s.closing {
			s.reconnecting = false
			s.mu.Unlock()
			return
		}
		s.status = StatusConnecting
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		conn, err := s.dial(ctx)
		cancel()

		if err == nil {
			s.mu.Lock()
			if s.closing {
				s.reconnecting = false
				s.mu.Unlock()
				conn.Close()
				return
			}
			s.conn = conn
			s.status = StatusConnected
			s.gen++
			gen := s.gen
			s.reconnecting = false
			s.mu.Unlock()

			go s.readLoop(conn, gen)
			return
		}

		log.Printf("Reconnect failed, retrying in %s: %v", backoff, err)
		s.mu.Lock()
		s.status = StatusDisconnected
		s.mu.Unlock()

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// clearRoomStateLocked はルームに紐づく状態をすべてクリアします
// s.muのロックを保持した状態で呼び出すこと
func (s *Store) clearRoomStateLocked() {
	s.roomId = ""
	s.members = make(map[string]struct{})
	s.interactions = nil
	s.transactions = nil
	s.moods = nil
}
