package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"lorebook/api/internal/auth"
	"lorebook/api/internal/authpw"
	"lorebook/api/internal/policy"
	"lorebook/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        *logrus.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, log *logrus.Logger) *HTTPServer {
	if log == nil {
		log = logrus.New()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: log}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Auth routes: no principal required.
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		s.handleSignUp(w, r)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		s.handleSignIn(w, r)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/refresh" {
		s.handleRefresh(w, r)
		return
	}
	if r.Method == http.MethodGet && r.URL.Path == "/api/auth/security-question" {
		s.handleSecurityQuestion(w, r)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/recover" {
		s.handleRecover(w, r)
		return
	}

	// Everything below runs under a resolved principal; anonymous is a valid
	// principal, the policy engine decides what it may do.
	principal, session, err := s.service.Identify(r.Context(), bearerToken(r))
	if err != nil {
		// A registry outage during resolution is an availability problem,
		// not a bad credential.
		if errors.Is(err, policy.ErrLookupTimeout) {
			writeError(w, http.StatusServiceUnavailable, "AUTHZ_UNAVAILABLE", "Authorization temporarily unavailable", nil)
			return
		}
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/logout" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), session, body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		if principal.IsAnonymous() {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userName":      session.UserName,
			"userId":        session.UserID,
			"role":          session.Role,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/security-question" {
		var body struct {
			Question string `json:"question"`
			Answer   string `json:"answer"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.SetSecurityQuestion(r.Context(), principal, body.Question, body.Answer); err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r, principal)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 2 && parts[0] == "api" {
		switch parts[1] {
		case "notebooks":
			s.routeNotebooks(w, r, principal, parts[2:])
			return
		case "sources":
			s.routeSources(w, r, principal, parts[2:])
			return
		case "notes":
			s.routeNotes(w, r, principal, parts[2:])
			return
		case "files":
			s.routeFiles(w, r, principal, parts[2:])
			return
		case "profile":
			s.routeProfile(w, r, principal, parts[2:])
			return
		case "admin":
			s.routeAdmin(w, r, principal, parts[2:])
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// ---------------------------------------------------------------------------
// Auth handlers

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.SignUp(r.Context(), authpw.SignUpRequest{
		Email:       body.Email,
		Password:    body.Password,
		DisplayName: body.DisplayName,
	})
	if err != nil {
		if errors.Is(err, authpw.ErrEmailTaken) {
			writeError(w, http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
			return
		}
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid email or password", nil)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleSecurityQuestion(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.URL.Query().Get("email"))
	question, err := s.service.SecurityQuestion(r.Context(), email)
	if err != nil {
		// Same response whether the address is unknown or has no question,
		// so the endpoint cannot be used to enumerate accounts.
		writeError(w, http.StatusNotFound, "NOT_FOUND", "No recovery available", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"question": question})
}

func (s *HTTPServer) handleRecover(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email       string `json:"email"`
		Answer      string `json:"answer"`
		NewPassword string `json:"newPassword"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	err := s.service.RecoverPassword(r.Context(), body.Email, body.Answer, body.NewPassword)
	if err != nil {
		if errors.Is(err, authpw.ErrRateLimited) {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many recovery attempts", nil)
			return
		}
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Recovery failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"userName":     session.UserName,
		"role":         session.Role,
	}
}

// ---------------------------------------------------------------------------
// Entity routes

func (s *HTTPServer) routeNotebooks(w http.ResponseWriter, r *http.Request, p policy.Principal, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		items, err := s.service.ListNotebooks(r.Context(), p)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"notebooks": items})

	case len(rest) == 0 && r.Method == http.MethodPost:
		var body struct {
			Title       string `json:"title"`
			Description string `json:"description"`
			Icon        string `json:"icon"`
			Color       string `json:"color"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateNotebook(r.Context(), p, body.Title, body.Description, body.Icon, body.Color)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 1 && r.Method == http.MethodGet:
		payload, err := s.service.GetNotebook(r.Context(), p, rest[0])
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 1 && r.Method == http.MethodPut:
		var body struct {
			Title       *string `json:"title"`
			Description *string `json:"description"`
			Icon        *string `json:"icon"`
			Color       *string `json:"color"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdateNotebook(r.Context(), p, rest[0], func(n *store.Notebook) {
			if body.Title != nil && strings.TrimSpace(*body.Title) != "" {
				n.Title = strings.TrimSpace(*body.Title)
			}
			if body.Description != nil {
				n.Description = *body.Description
			}
			if body.Icon != nil {
				n.Icon = *body.Icon
			}
			if body.Color != nil {
				n.Color = *body.Color
			}
		})
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := s.service.DeleteNotebook(r.Context(), p, rest[0]); err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 2 && rest[1] == "owner" && r.Method == http.MethodPut:
		var body struct {
			OwnerID string `json:"ownerId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.ReassignNotebookOwner(r.Context(), p, rest[0], body.OwnerID); err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 2 && rest[1] == "sources" && r.Method == http.MethodGet:
		items, err := s.service.ListSources(r.Context(), p, rest[0])
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sources": items})

	case len(rest) == 2 && rest[1] == "sources" && r.Method == http.MethodPost:
		var body SourceInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateSource(r.Context(), p, rest[0], body)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 2 && rest[1] == "chat" && r.Method == http.MethodGet:
		items, err := s.service.ChatHistory(r.Context(), p, rest[0])
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": items})

	case len(rest) == 2 && rest[1] == "chat" && r.Method == http.MethodPost:
		var body struct {
			Message json.RawMessage `json:"message"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.AppendChatMessage(r.Context(), p, rest[0], body.Message)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 2 && rest[1] == "chat" && r.Method == http.MethodDelete:
		if err := s.service.ClearChatHistory(r.Context(), p, rest[0]); err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 2 && rest[1] == "documents" && r.Method == http.MethodPost:
		var body DocumentInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.IngestDocument(r.Context(), p, rest[0], body)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 2 && rest[1] == "similar" && r.Method == http.MethodPost:
		var body struct {
			Embedding []float32 `json:"embedding"`
			Limit     int       `json:"limit"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		items, err := s.service.SimilarDocuments(r.Context(), p, rest[0], body.Embedding, body.Limit)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"documents": items})

	case len(rest) == 2 && rest[1] == "files" && r.Method == http.MethodGet:
		items, err := s.service.ListObjects(r.Context(), p, rest[0])
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"files": items})

	case len(rest) == 2 && rest[1] == "files" && r.Method == http.MethodPost:
		s.handleUpload(w, r, p, rest[0])

	case len(rest) == 2 && rest[1] == "notes" && r.Method == http.MethodGet:
		items, err := s.service.ListNotes(r.Context(), p, rest[0])
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"notes": items})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request, p policy.Principal, notebookID string) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "multipart form required", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "file field required", nil)
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	payload, err := s.service.UploadObject(r.Context(), p, notebookID, header.Filename, contentType, file, header.Size)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) routeSources(w http.ResponseWriter, r *http.Request, p policy.Principal, rest []string) {
	if len(rest) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	switch r.Method {
	case http.MethodGet:
		payload, err := s.service.GetSource(r.Context(), p, rest[0])
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case http.MethodPut:
		var body SourceInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdateSource(r.Context(), p, rest[0], body)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case http.MethodDelete:
		if err := s.service.DeleteSource(r.Context(), p, rest[0]); err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) routeNotes(w http.ResponseWriter, r *http.Request, p policy.Principal, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		items, err := s.service.ListNotes(r.Context(), p, "")
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"notes": items})

	case len(rest) == 0 && r.Method == http.MethodPost:
		var body NoteInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateNote(r.Context(), p, body)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 1 && r.Method == http.MethodGet:
		payload, err := s.service.GetNote(r.Context(), p, rest[0])
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 1 && r.Method == http.MethodPut:
		var body struct {
			Title   string `json:"title"`
			Content string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdateNote(r.Context(), p, rest[0], body.Title, body.Content)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := s.service.DeleteNote(r.Context(), p, rest[0]); err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 2 && rest[1] == "history" && r.Method == http.MethodGet:
		limit := 50
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
				return
			}
			limit = parsed
		}
		items, err := s.service.NoteHistory(r.Context(), p, rest[0], limit)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"revisions": items})

	case len(rest) == 3 && rest[1] == "revisions" && r.Method == http.MethodGet:
		payload, err := s.service.NoteRevision(r.Context(), p, rest[0], rest[2])
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) routeFiles(w http.ResponseWriter, r *http.Request, p policy.Principal, rest []string) {
	if len(rest) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	switch r.Method {
	case http.MethodGet:
		payload, err := s.service.ObjectDownloadURL(r.Context(), p, rest[0])
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case http.MethodDelete:
		if err := s.service.DeleteObject(r.Context(), p, rest[0]); err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) routeProfile(w http.ResponseWriter, r *http.Request, p policy.Principal, rest []string) {
	if len(rest) != 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	switch r.Method {
	case http.MethodGet:
		payload, err := s.service.MyProfile(r.Context(), p)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case http.MethodPut:
		var body struct {
			DisplayName string `json:"displayName"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdateMyProfile(r.Context(), p, body.DisplayName)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) routeAdmin(w http.ResponseWriter, r *http.Request, p policy.Principal, rest []string) {
	switch {
	case len(rest) == 1 && rest[0] == "profiles" && r.Method == http.MethodGet:
		items, err := s.service.ListProfiles(r.Context(), p)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"profiles": items})

	case len(rest) == 2 && rest[0] == "profiles" && r.Method == http.MethodGet:
		payload, err := s.service.GetProfile(r.Context(), p, rest[1])
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(rest) == 3 && rest[0] == "profiles" && rest[2] == "role" && r.Method == http.MethodPut:
		var body struct {
			Role string `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.UpdateProfileRole(r.Context(), p, rest[1], body.Role); err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 2 && rest[0] == "profiles" && r.Method == http.MethodDelete:
		if err := s.service.DeleteProfile(r.Context(), p, rest[1]); err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, p policy.Principal) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	filterType := strings.TrimSpace(r.URL.Query().Get("type"))
	notebookID := strings.TrimSpace(r.URL.Query().Get("notebookId"))
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		limit = parsed
	}
	offset := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
			return
		}
		offset = parsed
	}

	payload, err := s.service.Search(r.Context(), p, q, filterType, notebookID, limit, offset)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// ---------------------------------------------------------------------------
// Plumbing

func (s *HTTPServer) writeMapped(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.log.WithFields(logrus.Fields{
			"request_id":  requestID,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      writer.status,
			"duration_ms": time.Since(started).Milliseconds(),
		}).Info("request")
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrAuthentication) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, authpw.ErrRateLimited) {
		return http.StatusTooManyRequests, "RATE_LIMITED", "Too many recovery attempts", nil
	}
	if errors.Is(err, authpw.ErrInvalidCredentials) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
