// FilePath: internal/models/models.session.go
package models

// User is the minimal profile cached alongside the access token
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

// Session is the client-side authentication state: an opaque access
// token plus the profile it was issued for.
type Session struct {
	AccessToken string `json:"accessToken"`
	User        User   `json:"user"`
}

// UserInfo mirrors the profile block the auth endpoints return
type UserInfo struct {
	UserID   string `json:"userid"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phoneNumber,omitempty"`
}

// AuthPayload is the data block of login/register responses
type AuthPayload struct {
	Info         UserInfo `json:"info"`
	AccessToken  string   `json:"accessToken"`
	RefreshToken string   `json:"refreshToken,omitempty"`
}

// User converts the wire profile into the cached form
func (p AuthPayload) User() User {
	return User{
		ID:       p.Info.UserID,
		Username: p.Info.Username,
		Email:    p.Info.Email,
		Phone:    p.Info.Phone,
	}
}

// LoginRequest is the body of the login call
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RegisterRequest is the body of the register call
type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phoneNumber,omitempty"`
}

// ChangePasswordRequest is the body of the change-password call
type ChangePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

// BiometricStatus is the data block of the biometric check
type BiometricStatus struct {
	Enabled bool `json:"enabled"`
}
