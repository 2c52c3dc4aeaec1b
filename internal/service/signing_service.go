package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/idbroker/idbroker/internal/utils"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type AccessClaims struct {
	ClientID       string `json:"client_id"`
	Scope          string `json:"scope"`
	OrganizationID string `json:"org,omitempty"`
	jwt.RegisteredClaims
}

type SigningServiceConfig struct {
	Secret string
	Issuer string
	Leeway int
	Now    func() time.Time
}

type SigningService struct {
	config SigningServiceConfig
	key    []byte
	now    func() time.Time
}

func NewSigningService(config SigningServiceConfig) *SigningService {
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &SigningService{
		config: config,
		now:    now,
	}
}

func (signing *SigningService) Init() error {
	if signing.config.Secret != "" {
		signing.key = []byte(signing.config.Secret)
		return nil
	}

	secret, err := utils.GenerateToken(32)
	if err != nil {
		return fmt.Errorf("failed to generate signing key: %w", err)
	}

	log.Warn().Msg("No token signing secret configured, generated a random one. Issued tokens will not survive a restart")
	signing.key = []byte(secret)
	return nil
}

func (signing *SigningService) Issuer() string {
	return signing.config.Issuer
}

// Sign fills in the registered claims and returns an HS256 token valid for ttl
func (signing *SigningService) Sign(claims AccessClaims, ttl time.Duration) (string, error) {
	now := signing.now()

	claims.Issuer = signing.config.Issuer
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.NotBefore = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))

	if claims.ID == "" {
		claims.ID = uuid.NewString()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString(signing.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, nil
}

func (signing *SigningService) Verify(token string) (*AccessClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &AccessClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return signing.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(signing.config.Issuer),
		jwt.WithLeeway(time.Duration(signing.config.Leeway)*time.Second),
		jwt.WithTimeFunc(signing.now),
		jwt.WithExpirationRequired(),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: token expired", ErrExpired)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("%w: malformed claims", ErrInvalidToken)
	}

	return claims, nil
}
