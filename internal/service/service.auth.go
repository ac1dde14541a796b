// FilePath: internal/service/service.auth.go
package service

import (
	"context"

	"github.com/hqbc/devrec/internal/errors"
	"github.com/hqbc/devrec/internal/models"
	nuts "github.com/vaudience/go-nuts"
)

// Login authenticates and persists the returned token and profile
func (s *Service) Login(ctx context.Context, username, password string) (*models.Session, error) {
	if username == "" || password == "" {
		return nil, errors.NewInvalidArgumentError("username and password are required")
	}

	var payload models.AuthPayload
	if err := s.api.Post(ctx, pathAuthLogin, models.LoginRequest{Username: username, Password: password}, &payload); err != nil {
		return nil, err
	}
	return s.storeAuth(payload)
}

// Register creates an account and logs the new user in
func (s *Service) Register(ctx context.Context, req models.RegisterRequest) (*models.Session, error) {
	if req.Username == "" || req.Password == "" {
		return nil, errors.NewInvalidArgumentError("username and password are required")
	}

	var payload models.AuthPayload
	if err := s.api.Post(ctx, pathAuthRegister, req, &payload); err != nil {
		return nil, err
	}
	return s.storeAuth(payload)
}

// Logout tells the server and clears the local session either way
func (s *Service) Logout(ctx context.Context) error {
	err := s.api.Post(ctx, pathAuthLogout, nil, nil)
	if err != nil {
		nuts.L.Warnf("[AuthService] Server logout failed, clearing local session anyway: %v", err)
	}
	if clearErr := s.session.Clear(); clearErr != nil {
		return clearErr
	}
	return err
}

// CheckBiometric reports whether biometric unlock is enabled for the
// current user. Any failure reads as disabled.
func (s *Service) CheckBiometric(ctx context.Context) bool {
	var status models.BiometricStatus
	if err := s.api.Get(ctx, pathAuthBiometricCheck, nil, &status); err != nil {
		return false
	}
	return status.Enabled
}

// RegisterBiometric toggles biometric unlock for the current user
func (s *Service) RegisterBiometric(ctx context.Context, enabled bool) error {
	return s.api.Post(ctx, pathAuthBiometricRegister, models.BiometricStatus{Enabled: enabled}, nil)
}

// ChangePassword rotates the current user's password
func (s *Service) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	if oldPassword == "" || newPassword == "" {
		return errors.NewInvalidArgumentError("old and new password are required")
	}
	return s.api.Post(ctx, pathUserChangePassword,
		models.ChangePasswordRequest{OldPassword: oldPassword, NewPassword: newPassword}, nil)
}

// Verify asks the server whether the stored token is still accepted. A
// 401 along the way clears the session, so this doubles as the
// foreground re-check for the logged-out state.
func (s *Service) Verify(ctx context.Context) error {
	return s.api.Get(ctx, pathUserVerify, nil, nil)
}

// IsAuthenticated reports whether an access token is stored
func (s *Service) IsAuthenticated() bool {
	return s.session.Token() != ""
}

// StoredUser returns the cached profile, if any
func (s *Service) StoredUser() (models.User, bool) {
	return s.session.User()
}

func (s *Service) storeAuth(payload models.AuthPayload) (*models.Session, error) {
	if payload.AccessToken == "" {
		return nil, errors.NewServerError("auth response carried no access token", nil)
	}
	sess := &models.Session{AccessToken: payload.AccessToken, User: payload.User()}
	if err := s.session.Save(sess.AccessToken, sess.User); err != nil {
		return nil, err
	}
	return sess, nil
}
