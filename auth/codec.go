package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"transitserver/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// トークンのデコード失敗の分類
var (
	ErrMalformed         = errors.New("token malformed")
	ErrExpired           = errors.New("token expired")
	ErrSignatureMismatch = errors.New("token signature mismatch")
)

var signingMethod = jwt.SigningMethodHS256

// Claims はトークンに内包するIDとロールの情報です。
type Claims struct {
	ID        string
	Subject   string
	Name      string
	Email     string
	Role      models.Role
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// JWT上の表現
type sessionClaims struct {
	Name  string      `json:"name,omitempty"`
	Email string      `json:"email,omitempty"`
	Role  models.Role `json:"role"`
	jwt.RegisteredClaims
}

// Encode はクレームを署名付きトークンに変換します。
// IssuedAt が空の場合は現在時刻、ID が空の場合は新しいUUIDを使用します。
func Encode(claims Claims, secret []byte, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("signing secret is empty")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("invalid token ttl: %s", ttl)
	}
	if !claims.Role.Valid() {
		return "", fmt.Errorf("invalid role %q", claims.Role)
	}

	issuedAt := claims.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = time.Now()
	}
	issuedAt = issuedAt.Truncate(time.Second)
	if claims.ID == "" {
		claims.ID = uuid.NewString()
	}

	token := jwt.NewWithClaims(signingMethod, sessionClaims{
		Name:  claims.Name,
		Email: claims.Email,
		Role:  claims.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        claims.ID,
			Subject:   claims.Subject,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	})
	return token.SignedString(secret)
}

// Decode はトークンを検証してクレームを返します。
// 署名はクレームの解析より先に検証するため、改ざんされたトークンは常に ErrSignatureMismatch になります。
func Decode(tokenString string, secret []byte) (Claims, error) {
	if len(secret) == 0 {
		return Claims{}, errors.New("signing secret is empty")
	}

	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Claims{}, ErrMalformed
	}

	// 余りビットが立っている署名も拒否するため Strict を使う
	sig, err := base64.RawURLEncoding.Strict().DecodeString(parts[2])
	if err != nil {
		return Claims{}, ErrSignatureMismatch
	}
	if err := signingMethod.Verify(parts[0]+"."+parts[1], sig, secret); err != nil {
		return Claims{}, ErrSignatureMismatch
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{signingMethod.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithStrictDecoding(),
	)
	wire := &sessionClaims{}
	_, err = parser.ParseWithClaims(tokenString, wire, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return Claims{}, ErrExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return Claims{}, ErrSignatureMismatch
	default:
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if !wire.Role.Valid() || wire.Subject == "" || wire.IssuedAt == nil {
		return Claims{}, ErrMalformed
	}

	return Claims{
		ID:        wire.ID,
		Subject:   wire.Subject,
		Name:      wire.Name,
		Email:     wire.Email,
		Role:      wire.Role,
		IssuedAt:  wire.IssuedAt.Time,
		ExpiresAt: wire.ExpiresAt.Time,
	}, nil
}

// Codec は署名鍵とTTLを明示的に保持するラッパーです。
type Codec struct {
	secret []byte
	ttl    time.Duration
}

func NewCodec(secret string, ttl time.Duration) (*Codec, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("invalid session ttl: %s", ttl)
	}
	return &Codec{secret: []byte(secret), ttl: ttl}, nil
}

func (c *Codec) TTL() time.Duration { return c.ttl }

func (c *Codec) Encode(claims Claims) (string, error) {
	return Encode(claims, c.secret, c.ttl)
}

func (c *Codec) Decode(token string) (Claims, error) {
	return Decode(token, c.secret)
}
