package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/xtrntr/stocksim/internal/models"
	"github.com/xtrntr/stocksim/internal/store"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrAuthenticationFailed = errors.New("authentication failed")
)

const (
	maxUsernameLen = 50
	// bcrypt ignores everything past 72 bytes
	maxPasswordLen = 72
)

// AuthService handles user authentication
type AuthService struct {
	Users        store.Users
	Denylist     Denylist
	Secret       []byte
	TokenTTL     time.Duration
	StartingCash decimal.Decimal
	// Cost is the bcrypt cost; zero means bcrypt.DefaultCost
	Cost int
}

// NewAuthService creates a new auth service
func NewAuthService(users store.Users, denylist Denylist, secret string, tokenTTL time.Duration, startingCash decimal.Decimal) *AuthService {
	if denylist == nil {
		denylist = NewMemoryDenylist()
	}
	return &AuthService{
		Users:        users,
		Denylist:     denylist,
		Secret:       []byte(secret),
		TokenTTL:     tokenTTL,
		StartingCash: startingCash,
	}
}

// Register creates a new user with hashed password
func (s *AuthService) Register(ctx context.Context, username, password, confirmation string) (*models.User, error) {
	// Validate input
	if username == "" {
		return nil, fmt.Errorf("%w: must provide username", ErrInvalidInput)
	}
	if password == "" {
		return nil, fmt.Errorf("%w: must provide password", ErrInvalidInput)
	}
	if confirmation == "" {
		return nil, fmt.Errorf("%w: must provide password confirmation", ErrInvalidInput)
	}
	if password != confirmation {
		return nil, fmt.Errorf("%w: password and confirmation do not match", ErrInvalidInput)
	}
	if len(username) > maxUsernameLen {
		return nil, fmt.Errorf("%w: username too long (max %d characters)", ErrInvalidInput, maxUsernameLen)
	}
	if len(password) > maxPasswordLen {
		return nil, fmt.Errorf("%w: password too long (max %d bytes)", ErrInvalidInput, maxPasswordLen)
	}

	// Hash the password
	cost := s.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user, err := s.Users.CreateUser(ctx, username, string(hashedPassword), s.StartingCash)
	if err != nil {
		return nil, err
	}
	zap.L().Info("Registered user", zap.Int("user_id", user.ID), zap.String("username", user.Username))
	return user, nil
}

// Login verifies credentials and generates a JWT
func (s *AuthService) Login(ctx context.Context, username, password string) (string, error) {
	if username == "" || password == "" {
		return "", fmt.Errorf("%w: must provide username and password", ErrAuthenticationFailed)
	}

	user, err := s.Users.GetUserByUsername(ctx, username)
	if errors.Is(err, store.ErrUserNotFound) {
		return "", fmt.Errorf("%w: invalid username and/or password", ErrAuthenticationFailed)
	}
	if err != nil {
		return "", err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", fmt.Errorf("%w: invalid username and/or password", ErrAuthenticationFailed)
	}

	return s.issue(user)
}

func (s *AuthService) issue(user *models.User) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":      strconv.Itoa(user.ID),
		"username": user.Username,
		"jti":      uuid.NewString(),
		"iat":      now.Unix(),
		"exp":      now.Add(s.TokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.Secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// parse verifies the token and returns its user id, token id and expiry
func (s *AuthService) parse(tokenString string) (int, string, time.Time, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return s.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return 0, "", time.Time{}, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return 0, "", time.Time{}, fmt.Errorf("%w: invalid token", ErrAuthenticationFailed)
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return 0, "", time.Time{}, fmt.Errorf("%w: invalid subject", ErrAuthenticationFailed)
	}
	userID, err := strconv.Atoi(sub)
	if err != nil {
		return 0, "", time.Time{}, fmt.Errorf("%w: invalid subject", ErrAuthenticationFailed)
	}
	jti, _ := claims["jti"].(string)
	if jti == "" {
		return 0, "", time.Time{}, fmt.Errorf("%w: missing token id", ErrAuthenticationFailed)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return 0, "", time.Time{}, fmt.Errorf("%w: missing expiry", ErrAuthenticationFailed)
	}
	return userID, jti, exp.Time, nil
}

// Authenticate resolves a token to a user id, rejecting revoked tokens
func (s *AuthService) Authenticate(ctx context.Context, tokenString string) (int, error) {
	userID, jti, _, err := s.parse(tokenString)
	if err != nil {
		return 0, err
	}
	revoked, err := s.Denylist.Revoked(ctx, jti)
	if err != nil {
		return 0, fmt.Errorf("failed to check token revocation: %w", err)
	}
	if revoked {
		return 0, fmt.Errorf("%w: token revoked", ErrAuthenticationFailed)
	}
	return userID, nil
}

// Logout revokes the token until it would have expired anyway
func (s *AuthService) Logout(ctx context.Context, tokenString string) error {
	userID, jti, exp, err := s.parse(tokenString)
	if err != nil {
		return err
	}
	if err := s.Denylist.Revoke(ctx, jti, time.Until(exp)); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	zap.L().Info("Logged out", zap.Int("user_id", userID))
	return nil
}
