package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrWeakSecret   = errors.New("auth: jwt secret must be at least 16 characters")
)

const defaultTokenTTL = 24 * time.Hour

// Service issues and verifies HS256 bearer tokens. Identity itself is managed
// elsewhere; a token only carries the user id and role.
type Service struct {
	jwtSecret []byte
	now       func() time.Time
}

func NewService(jwtSecret string) (*Service, error) {
	if len(strings.TrimSpace(jwtSecret)) < 16 {
		return nil, ErrWeakSecret
	}
	return &Service{jwtSecret: []byte(jwtSecret), now: time.Now}, nil
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// IssueToken signs a token for the actor. A zero ttl means 24 hours.
func (s *Service) IssueToken(a Actor, ttl time.Duration) (string, error) {
	if strings.TrimSpace(a.ID) == "" {
		return "", fmt.Errorf("auth: missing user id")
	}
	if !a.Role.Valid() {
		return "", fmt.Errorf("auth: invalid role %q", a.Role)
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	now := s.now()
	claims := jwt.MapClaims{
		"user_id": a.ID,
		"role":    string(a.Role),
		"exp":     now.Add(ttl).Unix(),
		"iat":     now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates a token and returns the actor it was issued for.
func (s *Service) VerifyToken(tokenString string) (Actor, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Actor{}, ErrInvalidToken
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return Actor{}, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	roleStr, ok := claims["role"].(string)
	if !ok {
		return Actor{}, fmt.Errorf("%w: missing role", ErrInvalidToken)
	}
	role := ParseRole(roleStr)
	if role == "" {
		return Actor{}, fmt.Errorf("%w: invalid role %q", ErrInvalidToken, roleStr)
	}
	return Actor{ID: userID, Role: role}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}
