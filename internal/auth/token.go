// Package auth 签发与校验调用方身份令牌（HS256 JWT）。
package auth

import (
	"errors"
	"fmt"
	"time"

	"canteen_order/internal/model"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims 令牌中携带的身份信息。
type Claims struct {
	Role      model.Role `json:"role"`
	CanteenID string     `json:"canteen_id,omitempty"`
	jwt.RegisteredClaims
}

type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue 为用户签发令牌，subject 为用户 ID。
func (i *Issuer) Issue(u *model.User) (string, error) {
	now := i.now()
	claims := &Claims{
		Role:      u.Role,
		CanteenID: u.CanteenID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse 校验签名与有效期并还原调用方。
func (i *Issuer) Parse(signed string) (model.Actor, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(signed, claims,
		func(t *jwt.Token) (interface{}, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return model.Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return model.Actor{}, ErrInvalidToken
	}
	switch claims.Role {
	case model.RoleStudent, model.RoleCanteen, model.RoleAdmin:
	default:
		return model.Actor{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}
	return model.Actor{UserID: claims.Subject, Role: claims.Role, CanteenID: claims.CanteenID}, nil
}
