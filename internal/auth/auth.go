// Package auth は接続時の認証境界を提供します
// トークンの発行は上流の認証基盤の責務で、ここでは検証のみを行います
// 検証済みのユーザーIDは接続の生存期間中そのまま信用されます
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// カスタムエラー定義
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// Provider はトークンから検証済みユーザーIDを解決するインターフェース
type Provider interface {
	Verify(token string) (string, error) // 検証済みのユーザーIDを返す
}

// JWTClaims はトークンに含まれるカスタムクレーム
type JWTClaims struct {
	UserId string `json:"userId"` // ユーザーの一意な識別子
	jwt.RegisteredClaims
}

// JWTProvider はHMAC署名のJWTを検証するProvider実装です
type JWTProvider struct {
	secret []byte // HMAC署名鍵
	issuer string // 許可する発行者
}

// NewJWTProvider は新しいJWTProviderを作成します
func NewJWTProvider(secret, issuer string) *JWTProvider {
	return &JWTProvider{secret: []byte(secret), issuer: issuer}
}

// Verify はトークンを検証し、含まれるユーザーIDを返します
// 署名・発行者・有効期限のいずれかが不正な場合はエラーを返します
func (p *JWTProvider) Verify(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &JWTClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return p.secret, nil
	}, jwt.WithIssuer(p.issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*JWTClaims)
	if !ok || !parsed.Valid || claims.UserId == "" {
		return "", ErrInvalidToken
	}
	return claims.UserId, nil
}

// Issue は指定ユーザーのトークンを発行します
// 本番では上流の認証基盤が発行しますが、開発・テスト用に同じ形式で発行できます
func (p *JWTProvider) Issue(userId string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		UserId: userId,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    p.issuer,
			Subject:   userId,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}
