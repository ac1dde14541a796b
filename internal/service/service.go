// FilePath: internal/service/service.go
package service

import (
	"context"
	"net/url"

	"github.com/hqbc/devrec/internal/session"
)

// Backend endpoint paths, relative to the configured base URL
const (
	pathAuthLogin             = "/auth/login"
	pathAuthRegister          = "/auth/register"
	pathAuthLogout            = "/auth/logout"
	pathAuthBiometricCheck    = "/auth/biometric/check"
	pathAuthBiometricRegister = "/auth/biometric/register"
	pathUserChangePassword    = "/user/changePassword"
	pathUserVerify            = "/user/verify"
	pathDeviceSearch          = "/thiet-bi/search"
	pathDeviceDetail          = "/thiet-bi"
	pathDeviceQRCode          = "/thiet-bi/qr-code"
	pathHistory               = "/van-hanh/lich-su"
	pathReadingCreate         = "/van-hanh"
)

// API is the transport surface the services run on
type API interface {
	Get(ctx context.Context, path string, query url.Values, out any) error
	Post(ctx context.Context, path string, body any, out any) error
}

// Service bundles all backend operations behind one dependency set
type Service struct {
	api     API
	session session.Store
}

// New creates a new service instance
func New(api API, session session.Store) *Service {
	return &Service{
		api:     api,
		session: session,
	}
}
