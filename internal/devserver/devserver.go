// FilePath: internal/devserver/devserver.go
package devserver

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/hqbc/devrec/internal/config"
	"github.com/hqbc/devrec/internal/models"
	nuts "github.com/vaudience/go-nuts"
)

// Server is the local development backend: it speaks the same wire
// contract as the production service so the client, the aggregator and
// the end-to-end tests can run against something real without network
// access to the plant.
type Server struct {
	router    *mux.Router
	config    config.DevServerConfig
	srv       *http.Server
	store     *Store
	resources *Resources
}

// New creates a dev server over a sqlite store at the configured path
func New(cfg config.DevServerConfig) (*Server, error) {
	store, err := OpenStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	s := &Server{
		router:    mux.NewRouter(),
		config:    cfg,
		store:     store,
		resources: NewResources(store),
	}
	s.setupRoutes()

	s.srv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

// Handler returns the full middleware-wrapped handler; tests mount it
// on httptest servers instead of binding a port.
func (s *Server) Handler() http.Handler {
	return handlers.RecoveryHandler()(handlers.CombinedLoggingHandler(os.Stdout, s.router))
}

// Store exposes the backing store for seeding
func (s *Server) Store() *Store {
	return s.store
}

// Start begins listening and blocks until an interrupt signal
func (s *Server) Start() error {
	go func() {
		nuts.L.Infof("[DevServer] Listening on %s%s", s.srv.Addr, s.config.BasePath)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			nuts.L.Errorf("[DevServer] Error starting server: %v", err)
			os.Exit(1)
		}
	}()

	return s.waitForShutdown()
}

func (s *Server) waitForShutdown() error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	nuts.L.Infof("[DevServer] Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("error shutting down server: %w", err)
	}
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("error closing store: %w", err)
	}

	nuts.L.Infof("[DevServer] Shut down successfully")
	return nil
}

// setupRoutes mounts the wire contract under the configured base path
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix(s.config.BasePath).Subrouter()

	// Public routes
	api.HandleFunc("/health", s.resources.Health).Methods(http.MethodGet)
	api.HandleFunc("/auth/login", s.resources.Login).Methods(http.MethodPost)
	api.HandleFunc("/auth/register", s.resources.Register).Methods(http.MethodPost)

	// Protected routes
	protected := api.PathPrefix("").Subrouter()
	protected.Use(s.resources.Authenticate)

	protected.HandleFunc("/auth/logout", s.resources.Logout).Methods(http.MethodPost)
	protected.HandleFunc("/auth/biometric/check", s.resources.BiometricCheck).Methods(http.MethodGet)
	protected.HandleFunc("/auth/biometric/register", s.resources.BiometricRegister).Methods(http.MethodPost)
	protected.HandleFunc("/user/changePassword", s.resources.ChangePassword).Methods(http.MethodPost)
	protected.HandleFunc("/user/verify", s.resources.Verify).Methods(http.MethodGet)

	protected.HandleFunc("/thiet-bi/search", s.resources.DeviceSearch).Methods(http.MethodGet)
	protected.HandleFunc("/thiet-bi/qr-code", s.resources.DeviceByQRCode).Methods(http.MethodGet)
	protected.HandleFunc("/thiet-bi", s.resources.DeviceDetail).Methods(http.MethodGet)

	protected.HandleFunc("/van-hanh/lich-su", s.resources.History).Methods(http.MethodPost)
	protected.HandleFunc("/van-hanh", s.resources.SaveReading).Methods(http.MethodPost)
}

// Seed loads sample devices and a default technician account so a
// freshly started dev server is usable immediately.
func (s *Server) Seed(ctx context.Context) error {
	devices := []models.Device{
		{
			ID:     "TB-0001",
			Name:   "Máy bơm số 1",
			Code:   "P-01",
			QRCode: "QR-PUMP-01",
			Parameters: []models.Parameter{
				{ID: "TS-T", Name: "Nhiệt độ", Symbol: "T", Unit: "°C"},
				{ID: "TS-P", Name: "Áp suất", Symbol: "P", Unit: "bar"},
				{ID: "TS-I", Name: "Dòng điện", Symbol: "I", Unit: "A"},
			},
		},
		{
			ID:     "TB-0002",
			Name:   "Máy bơm số 2",
			Code:   "P-02",
			QRCode: "QR-PUMP-01", // shared nameplate with pump 1
			Parameters: []models.Parameter{
				{ID: "TS-T", Name: "Nhiệt độ", Symbol: "T", Unit: "°C"},
			},
		},
		{
			ID:      "TB-0100",
			Name:    "Tủ điện trung tâm",
			Code:    "E-01",
			QRCode:  "QR-PANEL-01",
			PlantID: "NM-01",
			Parameters: []models.Parameter{
				{ID: "TS-U", Name: "Điện áp", Symbol: "U", Unit: "V"},
				{ID: "TS-F", Name: "Tần số", Symbol: "f", Unit: "Hz"},
			},
		},
	}
	for _, device := range devices {
		if err := s.store.UpsertDevice(ctx, device); err != nil {
			return err
		}
	}

	if _, err := s.store.CreateUser(ctx, "tech", "tech", "tech@example.com", ""); err != nil && err != errDuplicateUser {
		return err
	}
	return nil
}
