// Package models はアプリケーションで使用するデータ構造を定義します
package models

// PresenceRecord はルームに在室中のユーザーの情報を表します
// プレゼンスディレクトリ（Redis）に書き込まれる読み取りモデルで、
// ファンアウトの情報源はあくまでインプロセスのレジストリです
type PresenceRecord struct {
	UserId   string `json:"userId"`         // ユーザーの一意な識別子
	Mood     string `json:"mood,omitempty"` // 最後に観測したムードのラベル
	JoinedAt int64  `json:"joinedAt"`       // 入室日時（Unixタイムスタンプ）
}

// RoomPresence はルームの在室状況のスナップショットです
type RoomPresence struct {
	RoomId string           `json:"roomId"` // ルームの一意な識別子
	Users  []PresenceRecord `json:"users"`  // 在室中のユーザー一覧
}
