package handlers

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/Web3AdvisoryHub/DormLitApp-sub001/internal/auth"
	"github.com/Web3AdvisoryHub/DormLitApp-sub001/internal/idgen"
	"github.com/Web3AdvisoryHub/DormLitApp-sub001/internal/registry"
	"github.com/Web3AdvisoryHub/DormLitApp-sub001/internal/session"
	"github.com/Web3AdvisoryHub/DormLitApp-sub001/pkg/events"
	"github.com/gorilla/websocket"
)

const (
	// authWait は認証ハンドシェイクの待ち時間
	// この時間内にauthメッセージが届かない接続は切断されます
	authWait = 10 * time.Second

	// maxMessageSize は受信メッセージの最大サイズ
	maxMessageSize = 64 << 10 // 64KB
)

// WebSocketHandler はWebSocket接続を処理するハンドラー
type WebSocketHandler struct {
	reg      *registry.Registry // ルームメンバーシップの管理先
	dir      session.Directory  // プレゼンスディレクトリのミラー
	auth     auth.Provider      // 認証トークンの検証器
	upgrader websocket.Upgrader // HTTPからWebSocketへのアップグレーダー

	writeWait time.Duration // 1メンバーへの書き込みの期限
	sendBuf   int           // 接続ごとの送信キューの長さ
}

// NewWebSocketHandler は新しいWebSocketHandlerを作成します
func NewWebSocketHandler(reg *registry.Registry, dir session.Directory, ap auth.Provider, writeWait time.Duration, sendBuf int) *WebSocketHandler {
	return &WebSocketHandler{
		reg:  reg,
		dir:  dir,
		auth: ap,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 本番環境では適切なOriginチェックを実装してください
				return true
			},
		},
		writeWait: writeWait,
		sendBuf:   sendBuf,
	}
}

// HandleWebSocket はWebSocket接続を処理します
// 接続後、以下の処理を行います:
// 1. HTTPからWebSocketへのアップグレード
// 2. 接続IDの採番と送信・受信ループの開始
// 3. 認証ハンドシェイク（最初のメッセージ、失敗時は切断）
// 4. 切断時の自動退出処理とクリーンアップ
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	connId := idgen.NewConnID()
	out := newOutbox(h.sendBuf)
	sess := session.New(connId, h.reg, h.dir, h.auth, out)

	// 送信ループを開始
	go h.writePump(connId, conn, out)

	defer func() {
		// WebSocket切断時にルームから退出させ、資源を解放する
		sess.Close(context.Background())
		out.close()
		conn.Close()
		log.Printf("WebSocket disconnected: connId=%s, userId=%s", connId, sess.UserId())
	}()

	log.Printf("WebSocket connected: connId=%s", connId)

	conn.SetReadLimit(maxMessageSize)

	// メッセージ受信ループ
	for {
		// 認証完了までは読み取りに期限を設ける
		if sess.State() == session.StateConnected {
			conn.SetReadDeadline(time.Now().Add(authWait))
		} else {
			conn.SetReadDeadline(time.Time{})
		}

		var env events.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("WebSocket error: connId=%s: %v", connId, err)
			}
			return
		}

		if err := sess.HandleMessage(r.Context(), env); err != nil {
			// 致命的エラー（認証失敗）は接続を切断する
			log.Printf("Fatal session error: connId=%s: %v", connId, err)
			out.TrySend(events.Envelope{Type: events.TypeError, Payload: events.ErrorPayload{Message: "authentication failed"}})
			return
		}
	}
}

// writePump は送信キューからメッセージを取り出して接続へ書き込みます
// 1回の書き込みにwriteWaitの期限を設け、書き込みに失敗した接続は
// 閉じます。詰まった接続の除去はレジストリ側のTrySend失敗が担います
func (h *WebSocketHandler) writePump(connId string, conn *websocket.Conn, out *outbox) {
	defer conn.Close()

	for {
		select {
		case env := <-out.send:
			conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := conn.WriteJSON(env); err != nil {
				log.Printf("Failed to write to connection: connId=%s: %v", connId, err)
				out.close()
				return
			}
		case <-out.done:
			conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// outbox は接続ごとのバッファ付き送信キューです
// registry.Outboxを実装し、キューが満杯・クローズ済みの場合は
// ブロックせずにfalseを返します
type outbox struct {
	send chan events.Envelope // 送信待ちのメッセージ
	done chan struct{}        // クローズ通知
	once sync.Once            // doneの二重クローズ防止
}

func newOutbox(buf int) *outbox {
	return &outbox{
		send: make(chan events.Envelope, buf),
		done: make(chan struct{}),
	}
}

// TrySend はメッセージを送信キューへ積みます
// キューに空きがない（クライアントが停止している）場合はfalseを返します
func (o *outbox) TrySend(env events.Envelope) bool {
	select {
	case <-o.done:
		return false
	default:
	}
	select {
	case o.send <- env:
		return true
	case <-o.done:
		return false
	default:
		return false
	}
}

func (o *outbox) close() {
	o.once.Do(func() { close(o.done) })
}
