package ws

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const tokenHeader = "X-Proctor-Token"

type adminLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type adminLoginResponse struct {
	Success   bool       `json:"success"`
	Token     string     `json:"token,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req adminLoginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, adminLoginResponse{})
		return
	}

	admin := s.config().Admin
	if admin.PasswordHash == "" || !strings.EqualFold(req.Email, admin.Email) ||
		bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(req.Password)) != nil {
		s.log.Warn("admin login rejected", "email", req.Email, "remote", r.RemoteAddr)
		writeJSON(w, http.StatusUnauthorized, adminLoginResponse{})
		return
	}

	token := uuid.NewString()
	expires := s.now().Add(admin.TokenTTL)
	s.tokens.Set(token, expires)
	s.log.Info("admin logged in", "email", req.Email)
	writeJSON(w, http.StatusOK, adminLoginResponse{Success: true, Token: token, ExpiresAt: &expires})
}

// authorize accepts an admin token from the query string, the token header
// or a bearer Authorization header.
func (s *Server) authorize(r *http.Request) bool {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get(tokenHeader)
	}
	if token == "" {
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if token == "" {
		return false
	}

	expires, ok := s.tokens.Get(token)
	if !ok {
		return false
	}
	if !s.now().Before(expires) {
		s.tokens.Remove(token)
		return false
	}
	return true
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusForbidden, "Unauthorized")
		return
	}

	results, err := s.store.Results(r.Context())
	if err != nil {
		s.log.Error("listing results failed", "error", err)
		writeError(w, http.StatusInternalServerError, "results unavailable")
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleExportResults(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusForbidden, "Unauthorized")
		return
	}

	results, err := s.store.Results(r.Context())
	if err != nil {
		s.log.Error("exporting results failed", "error", err)
		http.Error(w, "CSV export failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="exam_results.csv"`)
	cw := csv.NewWriter(w)
	cw.Write([]string{"email", "submittedAt", "answers"})
	for _, res := range results {
		answers, _ := json.Marshal(res.Answers)
		cw.Write([]string{res.Email, res.SubmittedAt.UTC().Format(time.RFC3339), string(answers)})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		s.log.Error("writing csv failed", "error", err)
	}
}
