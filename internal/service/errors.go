package service

import "errors"

// カスタムエラー定義
var (
	ErrRoomNotFound = errors.New("room not found")
	ErrUserNotFound = errors.New("user not found")
)
