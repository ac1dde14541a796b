// FilePath: internal/devserver/resources.go
package devserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	gschema "github.com/gorilla/schema"
	"github.com/hqbc/devrec/internal/models"
	nuts "github.com/vaudience/go-nuts"
)

var (
	errDuplicateUser  = errors.New("username already taken")
	errBadCredentials = errors.New("invalid credentials")
	errDeviceNotFound = errors.New("device not found")
)

// tokenSet tracks the bearer tokens issued by this dev server
type tokenSet struct {
	mu     sync.RWMutex
	tokens map[string]string // token -> user id
}

func newTokenSet() *tokenSet {
	return &tokenSet{tokens: map[string]string{}}
}

func (t *tokenSet) issue(userID string) string {
	token := nuts.NID("tok", 24)
	t.mu.Lock()
	t.tokens[token] = userID
	t.mu.Unlock()
	return token
}

func (t *tokenSet) lookup(token string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	userID, ok := t.tokens[token]
	return userID, ok
}

func (t *tokenSet) revoke(token string) {
	t.mu.Lock()
	delete(t.tokens, token)
	t.mu.Unlock()
}

// Resources holds the dev server's HTTP handlers
type Resources struct {
	store   *Store
	tokens  *tokenSet
	decoder *gschema.Decoder
}

// NewResources creates the handler set over the given store
func NewResources(store *Store) *Resources {
	decoder := gschema.NewDecoder()
	decoder.IgnoreUnknownKeys(true)
	return &Resources{
		store:   store,
		tokens:  newTokenSet(),
		decoder: decoder,
	}
}

// respondEnvelope writes the uniform {code, message, data} wrapper. The
// HTTP status stays 200 for business errors; only auth failures use 401.
func respondEnvelope(w http.ResponseWriter, status int, env models.Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		nuts.L.Errorf("[DevServer] Failed to encode response: %v", err)
	}
}

func respondData(w http.ResponseWriter, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		nuts.L.Errorf("[DevServer] Failed to encode data: %v", err)
		respondEnvelope(w, http.StatusOK, models.Envelope{Code: 500, Message: "internal error"})
		return
	}
	respondEnvelope(w, http.StatusOK, models.Envelope{Code: models.EnvelopeOK, Message: "OK", Data: raw})
}

func respondFailure(w http.ResponseWriter, code int, message string) {
	respondEnvelope(w, http.StatusOK, models.Envelope{Code: code, Message: message})
}

func respondFieldErrors(w http.ResponseWriter, message string, fields map[string]string) {
	respondEnvelope(w, http.StatusOK, models.Envelope{Code: 400, Message: message, Errors: fields})
}

func respondAuthExpired(w http.ResponseWriter) {
	respondEnvelope(w, http.StatusUnauthorized,
		models.Envelope{Code: models.EnvelopeAuthExpired, Message: "invalid or expired token"})
}

// Authenticate guards the protected subrouter with the issued tokens
func (r *Resources) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		header := req.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			respondAuthExpired(w)
			return
		}
		userID, ok := r.tokens.lookup(token)
		if !ok {
			respondAuthExpired(w)
			return
		}
		req.Header.Set("X-User-ID", userID)
		next.ServeHTTP(w, req)
	})
}

func (r *Resources) currentUser(req *http.Request) string {
	return req.Header.Get("X-User-ID")
}

// Login issues a token for valid credentials
func (r *Resources) Login(w http.ResponseWriter, req *http.Request) {
	var body models.LoginRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondFailure(w, 400, "invalid request body")
		return
	}
	user, err := r.store.Authenticate(req.Context(), body.Username, body.Password)
	if err != nil {
		if errors.Is(err, errBadCredentials) {
			respondFailure(w, 400, "wrong username or password")
			return
		}
		respondFailure(w, 500, "login failed")
		return
	}
	token := r.tokens.issue(user.ID)
	respondData(w, models.AuthPayload{Info: user.info(), AccessToken: token})
}

// Register creates an account and logs it in
func (r *Resources) Register(w http.ResponseWriter, req *http.Request) {
	var body models.RegisterRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondFailure(w, 400, "invalid request body")
		return
	}
	fields := map[string]string{}
	if strings.TrimSpace(body.Username) == "" {
		fields["username"] = "username is required"
	}
	if len(body.Password) < 4 {
		fields["password"] = "password must be at least 4 characters"
	}
	if len(fields) > 0 {
		respondFieldErrors(w, "registration rejected", fields)
		return
	}
	user, err := r.store.CreateUser(req.Context(), body.Username, body.Password, body.Email, body.Phone)
	if err != nil {
		if errors.Is(err, errDuplicateUser) {
			respondFieldErrors(w, "registration rejected", map[string]string{"username": "username already taken"})
			return
		}
		respondFailure(w, 500, "registration failed")
		return
	}
	token := r.tokens.issue(user.ID)
	respondData(w, models.AuthPayload{Info: user.info(), AccessToken: token})
}

// Logout revokes the presented token
func (r *Resources) Logout(w http.ResponseWriter, req *http.Request) {
	header := req.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		r.tokens.revoke(token)
	}
	respondData(w, nil)
}

// BiometricCheck reports the biometric flag of the current user
func (r *Resources) BiometricCheck(w http.ResponseWriter, req *http.Request) {
	user, err := r.store.GetUser(req.Context(), r.currentUser(req))
	if err != nil {
		respondFailure(w, 500, "failed to load user")
		return
	}
	respondData(w, models.BiometricStatus{Enabled: user.BiometricEnabled})
}

// BiometricRegister toggles the biometric flag of the current user
func (r *Resources) BiometricRegister(w http.ResponseWriter, req *http.Request) {
	var body models.BiometricStatus
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondFailure(w, 400, "invalid request body")
		return
	}
	if err := r.store.SetBiometric(req.Context(), r.currentUser(req), body.Enabled); err != nil {
		respondFailure(w, 500, "failed to update biometric flag")
		return
	}
	respondData(w, body)
}

// ChangePassword rotates the current user's password
func (r *Resources) ChangePassword(w http.ResponseWriter, req *http.Request) {
	var body models.ChangePasswordRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondFailure(w, 400, "invalid request body")
		return
	}
	if len(body.NewPassword) < 4 {
		respondFieldErrors(w, "password change rejected",
			map[string]string{"newPassword": "password must be at least 4 characters"})
		return
	}
	err := r.store.ChangePassword(req.Context(), r.currentUser(req), body.OldPassword, body.NewPassword)
	if err != nil {
		if errors.Is(err, errBadCredentials) {
			respondFieldErrors(w, "password change rejected",
				map[string]string{"oldPassword": "old password does not match"})
			return
		}
		respondFailure(w, 500, "failed to change password")
		return
	}
	respondData(w, nil)
}

// Verify confirms the presented token is still accepted
func (r *Resources) Verify(w http.ResponseWriter, req *http.Request) {
	respondData(w, nil)
}

type searchQuery struct {
	Page    int    `schema:"page"`
	Size    int    `schema:"size"`
	Keyword string `schema:"keyword"`
}

// DeviceSearch pages through devices by keyword
func (r *Resources) DeviceSearch(w http.ResponseWriter, req *http.Request) {
	var query searchQuery
	if err := r.decoder.Decode(&query, req.URL.Query()); err != nil {
		respondFailure(w, 400, "invalid query parameters")
		return
	}
	if query.Size <= 0 {
		query.Size = 20
	}
	if query.Page < 0 {
		query.Page = 0
	}

	total, devices, err := r.store.SearchDevices(req.Context(), query.Keyword, query.Page, query.Size)
	if err != nil {
		nuts.L.Errorf("[DevServer] Device search failed: %v", err)
		respondFailure(w, 500, "device search failed")
		return
	}

	totalPages := int((total + int64(query.Size) - 1) / int64(query.Size))
	respondData(w, models.DevicePage{
		Content:       devices,
		TotalElements: total,
		TotalPages:    totalPages,
		Number:        query.Page,
		Size:          query.Size,
		Last:          (query.Page+1)*query.Size >= int(total),
	})
}

type detailQuery struct {
	ID string `schema:"id"`
}

// DeviceDetail returns one device with its parameter definitions
func (r *Resources) DeviceDetail(w http.ResponseWriter, req *http.Request) {
	var query detailQuery
	if err := r.decoder.Decode(&query, req.URL.Query()); err != nil || query.ID == "" {
		respondFailure(w, 400, "device id is required")
		return
	}
	device, err := r.store.GetDevice(req.Context(), query.ID)
	if err != nil {
		if errors.Is(err, errDeviceNotFound) {
			respondFailure(w, 404, "device not found")
			return
		}
		respondFailure(w, 500, "failed to load device")
		return
	}
	respondData(w, device)
}

type qrQuery struct {
	QRCode string `schema:"qrCode"`
}

// DeviceByQRCode resolves a scanned code to zero or more devices
func (r *Resources) DeviceByQRCode(w http.ResponseWriter, req *http.Request) {
	var query qrQuery
	if err := r.decoder.Decode(&query, req.URL.Query()); err != nil || query.QRCode == "" {
		respondFailure(w, 400, "qrCode is required")
		return
	}
	devices, err := r.store.DevicesByQRCode(req.Context(), query.QRCode)
	if err != nil {
		respondFailure(w, 500, "failed to resolve code")
		return
	}
	respondData(w, devices)
}

// History returns the readings for a device set at a point in time
func (r *Resources) History(w http.ResponseWriter, req *http.Request) {
	var body models.HistoryRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondFailure(w, 400, "invalid request body")
		return
	}
	if len(body.DeviceIDs) == 0 {
		respondFailure(w, 400, "maThietBis must not be empty")
		return
	}
	readings, err := r.store.HistoryAt(req.Context(), body.DeviceIDs, body.At)
	if err != nil {
		nuts.L.Errorf("[DevServer] History lookup failed: %v", err)
		respondFailure(w, 500, "history lookup failed")
		return
	}
	respondData(w, models.HistoryPayload{Data: readings})
}

// SaveReading persists one reading and returns the stored record
func (r *Resources) SaveReading(w http.ResponseWriter, req *http.Request) {
	var body models.Reading
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondFailure(w, 400, "invalid request body")
		return
	}
	fields := map[string]string{}
	if body.DeviceID() == "" {
		fields["thietBi"] = "device reference is required"
	}
	if body.ParameterID() == "" {
		fields["thongSo"] = "parameter reference is required"
	}
	if len(fields) > 0 {
		respondFieldErrors(w, "reading rejected", fields)
		return
	}

	username := ""
	if user, err := r.store.GetUser(req.Context(), r.currentUser(req)); err == nil {
		username = user.Username
	}
	saved, err := r.store.SaveReading(req.Context(), body, username)
	if err != nil {
		nuts.L.Errorf("[DevServer] Save reading failed: %v", err)
		respondFailure(w, 500, "failed to save reading")
		return
	}
	respondData(w, saved)
}

// Health is the unauthenticated liveness endpoint
func (r *Resources) Health(w http.ResponseWriter, req *http.Request) {
	respondData(w, map[string]string{"status": "ok"})
}
