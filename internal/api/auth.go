package api

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/wa-dispatch/internal/config"
	"github.com/go-chi/chi/v5"
)

// AuthHandler checks operator credentials.
type AuthHandler struct {
	admin config.AdminConfig
}

// NewAuthHandler creates an auth handler for the configured operator account.
func NewAuthHandler(admin config.AdminConfig) *AuthHandler {
	return &AuthHandler{admin: admin}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RegisterRoutes registers the login route.
func (h *AuthHandler) RegisterRoutes(r chi.Router) {
	r.Post("/postlogin", h.Login)
}

// Login compares the submitted credentials against the operator account.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			Error(w, http.StatusUnauthorized, "Invalid username or password")
			return
		}
	} else {
		req.Username = r.PostFormValue("username")
		req.Password = r.PostFormValue("password")
	}

	if !h.matches(req) {
		slog.Warn("Operator login rejected", "remote_addr", r.RemoteAddr)
		Error(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}

	slog.Info("Operator logged in", "remote_addr", r.RemoteAddr)
	JSON(w, http.StatusOK, map[string]string{"message": "Login successful"})
}

func (h *AuthHandler) matches(req loginRequest) bool {
	if h.admin.Username == "" || h.admin.Password == "" {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(h.admin.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(h.admin.Password)) == 1
	return userOK && passOK
}
