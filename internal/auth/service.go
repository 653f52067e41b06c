package auth

import (
	"context"
	"log/slog"
	"strings"

	"github.com/mooses23/gemachhub/internal"
	"golang.org/x/crypto/bcrypt"
)

type UserRepository interface {
	FindByEmail(ctx context.Context, email string) (*UserInfo, error)
	FindByID(ctx context.Context, id int64) (*UserInfo, error)
	TouchLastLogin(ctx context.Context, id int64) error
}

type ServiceAPI interface {
	Authenticate(ctx context.Context, dto LoginDTO) (AuthTokens, error)
	RefreshTokens(ctx context.Context, refreshToken string) (AuthTokens, error)
	ValidateAccessToken(tokenString string) (*Claims, error)
}

type Service struct {
	userRepo       UserRepository
	tokenGenerator *JWTTokenGenerator
	bcryptCost     int
	logger         *slog.Logger
}

func NewService(userRepo UserRepository, tokenGen *JWTTokenGenerator, bcryptCost int, logger *slog.Logger) *Service {
	if bcryptCost <= 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	return &Service{
		userRepo:       userRepo,
		tokenGenerator: tokenGen,
		bcryptCost:     bcryptCost,
		logger:         logger,
	}
}

// Authenticate validates credentials and returns tokens
func (s *Service) Authenticate(ctx context.Context, dto LoginDTO) (AuthTokens, error) {
	if err := dto.Validate(); err != nil {
		return AuthTokens{}, err
	}

	user, err := s.userRepo.FindByEmail(ctx, strings.ToLower(strings.TrimSpace(dto.Email)))
	if err != nil {
		if internal.HasCode(err, internal.ErrCodeUserNotFound) {
			return AuthTokens{}, invalidCredentials()
		}
		return AuthTokens{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(dto.Password)); err != nil {
		return AuthTokens{}, invalidCredentials()
	}
	if !user.IsActive {
		return AuthTokens{}, internal.NewUnauthorizedError("user is inactive", internal.ErrCodeUserInactive)
	}

	tokens, err := s.issue(user)
	if err != nil {
		return AuthTokens{}, err
	}

	if err := s.userRepo.TouchLastLogin(ctx, user.ID); err != nil {
		s.logger.Warn("failed to record last login", "user_id", user.ID, "error", err)
	}
	s.logger.Info("user authenticated", "user_id", user.ID, "role", user.Role)
	return tokens, nil
}

// RefreshTokens validates the refresh token and re-reads the account so a
// deactivated user or a changed role takes effect on the next refresh.
func (s *Service) RefreshTokens(ctx context.Context, refreshToken string) (AuthTokens, error) {
	claims, err := s.tokenGenerator.ValidateRefreshToken(refreshToken)
	if err != nil {
		return AuthTokens{}, err
	}

	user, err := s.userRepo.FindByID(ctx, claims.UserID)
	if err != nil {
		if internal.HasCode(err, internal.ErrCodeUserNotFound) {
			return AuthTokens{}, internal.NewUnauthorizedError("invalid token", internal.ErrCodeInvalidToken)
		}
		return AuthTokens{}, err
	}
	if !user.IsActive {
		return AuthTokens{}, internal.NewUnauthorizedError("user is inactive", internal.ErrCodeUserInactive)
	}

	return s.issue(user)
}

func (s *Service) ValidateAccessToken(tokenString string) (*Claims, error) {
	return s.tokenGenerator.ValidateAccessToken(tokenString)
}

// HashSecret hashes a password or an operator PIN.
func (s *Service) HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.bcryptCost)
	if err != nil {
		return "", internal.NewInternalError("failed to hash secret", err)
	}
	return string(hash), nil
}

func (s *Service) issue(user *UserInfo) (AuthTokens, error) {
	accessToken, err := s.tokenGenerator.GenerateAccessToken(user)
	if err != nil {
		return AuthTokens{}, internal.NewInternalError("failed to sign access token", err)
	}
	refreshToken, err := s.tokenGenerator.GenerateRefreshToken(user)
	if err != nil {
		return AuthTokens{}, internal.NewInternalError("failed to sign refresh token", err)
	}
	return AuthTokens{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.tokenGenerator.AccessTokenTTL.Seconds()),
		TokenType:    "Bearer",
	}, nil
}

func invalidCredentials() error {
	return internal.NewUnauthorizedError("invalid credentials", internal.ErrCodeInvalidCredentials)
}
