// Package events はWebSocketで送受信するイベントの型を定義します
// すべてのメッセージは {type, payload} のエンベロープ形式でやり取りされます
package events

import "encoding/json"

// メッセージタイプ（クライアント→サーバー）
const (
	TypeAuth            = "auth"             // 認証ハンドシェイク（接続後の最初のメッセージ）
	TypeJoinRoom        = "join_room"        // ルーム参加
	TypeLeaveRoom       = "leave_room"       // ルーム退出
	TypeRoomInteraction = "room_interaction" // ルーム内インタラクション
	TypeCoinTransaction = "coin_transaction" // コイン取引
	TypeMoodUpdate      = "mood_update"      // ムード更新
	TypePing            = "ping"             // 接続維持用ping
)

// メッセージタイプ（サーバー→クライアント）
const (
	TypeAuthOK     = "auth_ok"     // 認証成功
	TypeUserJoined = "user_joined" // 他ユーザーの参加通知
	TypeUserLeft   = "user_left"   // 他ユーザーの退出通知
	TypePong       = "pong"        // pingへの応答
	TypeError      = "error"       // エラー通知
)

// Envelope はWebSocketで送受信するメッセージの外枠です
// Payloadの型はTypeに応じて動的に決まります
type Envelope struct {
	Type    string      `json:"type"`              // メッセージタイプ
	Payload interface{} `json:"payload,omitempty"` // メッセージのペイロード
}

// AuthPayload は認証ハンドシェイクのペイロード
// トークンは上流の認証基盤が発行したものをそのまま渡します
type AuthPayload struct {
	Token string `json:"token"` // 上流発行の認証トークン
}

// JoinPayload はルーム参加リクエストのペイロード
type JoinPayload struct {
	RoomId string `json:"roomId"` // 参加するルームのID
	UserId string `json:"userId"` // 参加するユーザーのID
}

// LeavePayload はルーム退出リクエストのペイロード
type LeavePayload struct {
	RoomId string `json:"roomId"` // 退出するルームのID
	UserId string `json:"userId"` // 退出するユーザーのID
}

// PresencePayload は参加・退出通知のペイロード
type PresencePayload struct {
	RoomId string `json:"roomId"` // 対象ルームのID
	UserId string `json:"userId"` // 参加・退出したユーザーのID
}

// ErrorPayload はエラー通知のペイロード
type ErrorPayload struct {
	Message string `json:"message"` // エラーメッセージ
}

// Stamp はサーバー側で付与するイベントの共通属性です
// タイムスタンプと送信者はクライアントの申告を信用せず、
// レジストリ通過時にサーバーが必ず刻印します
type Stamp struct {
	EventId  string `json:"eventId"`  // イベントの一意な識別子
	RoomId   string `json:"roomId"`   // 発生したルームのID
	UserId   string `json:"userId"`   // 発生させたユーザーのID
	ServerTs int64  `json:"serverTs"` // サーバー刻印のタイムスタンプ（Unixミリ秒）
}

// Event はルーム内にファンアウトされるイベントの直和型です
// 既知の3種（RoomInteraction / CoinTransaction / MoodUpdate）に加えて、
// 未知タイプを明示的に表すUnknownを持ちます
type Event interface {
	// EventType はワイヤ上のメッセージタイプを返します
	EventType() string
	// Room はイベントが属するルームのIDを返します
	Room() string
}

// RoomInteraction はルーム内インタラクションイベント
// Dataの中身はこのコアでは解釈しません（UI層の責務）
type RoomInteraction struct {
	Stamp
	InteractionType string          `json:"interactionType"` // インタラクションの種別（wave, dance など）
	Data            json.RawMessage `json:"data,omitempty"`  // 任意のペイロード
}

func (e RoomInteraction) EventType() string { return TypeRoomInteraction }
func (e RoomInteraction) Room() string      { return e.RoomId }

// CoinTransaction はコイン取引イベント
// 残高計算や検証は上流の責務で、ここでは転送するだけです
type CoinTransaction struct {
	Stamp
	Amount int64 `json:"amount"` // 取引額
}

func (e CoinTransaction) EventType() string { return TypeCoinTransaction }
func (e CoinTransaction) Room() string      { return e.RoomId }

// MoodUpdate はムード更新イベント
type MoodUpdate struct {
	Stamp
	Mood string `json:"mood"` // ムードのラベル
}

func (e MoodUpdate) EventType() string { return TypeMoodUpdate }
func (e MoodUpdate) Room() string      { return e.RoomId }

// Unknown は未知タイプのイベントを表します
// 受信側ではログに残して破棄します（拡張用）
type Unknown struct {
	RawType string          `json:"-"` // 受信したメッセージタイプ
	Raw     json.RawMessage `json:"-"` // 受信したペイロード
}

func (e Unknown) EventType() string { return e.RawType }
func (e Unknown) Room() string      { return "" }

// Wrap はイベントをエンベロープに包みます
func Wrap(e Event) Envelope {
	return Envelope{Type: e.EventType(), Payload: e}
}

// DecodePayload はエンベロープのPayloadを指定の型へ変換します
// Payloadはinterface{}として受信されるため、一度marshalしてから
// 目的の構造体へunmarshalし直します
func DecodePayload(payload interface{}, dst interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

// DecodeEvent はサーバーから受信したエンベロープをEvent直和型へ変換します
// 既知の3種以外はUnknownとして返します
func DecodeEvent(env Envelope) (Event, error) {
	switch env.Type {
	case TypeRoomInteraction:
		var e RoomInteraction
		if err := DecodePayload(env.Payload, &e); err != nil {
			return nil, err
		}
		return e, nil
	case TypeCoinTransaction:
		var e CoinTransaction
		if err := DecodePayload(env.Payload, &e); err != nil {
			return nil, err
		}
		return e, nil
	case TypeMoodUpdate:
		var e MoodUpdate
		if err := DecodePayload(env.Payload, &e); err != nil {
			return nil, err
		}
		return e, nil
	default:
		raw, err := json.Marshal(env.Payload)
		if err != nil {
			return nil, err
		}
		return Unknown{RawType: env.Type, Raw: raw}, nil
	}
}
