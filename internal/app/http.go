package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"collabflow/api/internal/auth"
	"collabflow/api/internal/rbac"
	"collabflow/api/internal/realtime"
	"collabflow/api/internal/search"
	"collabflow/api/internal/store"
	"collabflow/api/internal/util"
)

type HTTPServer struct {
	service    *Service
	hub        *realtime.Hub
	logger     *zap.Logger
	corsOrigin string
	upgrader   websocket.Upgrader
}

func NewHTTPServer(service *Service, hub *realtime.Hub, logger *zap.Logger, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		service:    service,
		hub:        hub,
		logger:     logger,
		corsOrigin: corsOrigin,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return corsOrigin == "*" || r.Header.Get("Origin") == corsOrigin
			},
		},
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)

	r.HandleFunc("/api/auth/signup", s.handleSignUp).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/signin", s.handleSignIn).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/signout", s.handleSignOut).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/refresh", s.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/verify-email", s.handleVerifyEmail).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/reset-password/request", s.handleRequestReset).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/reset-password", s.handleResetPassword).Methods(http.MethodPost)
	r.HandleFunc("/api/session", s.handleSession).Methods(http.MethodGet)

	r.HandleFunc("/api/profile", s.handleGetProfile).Methods(http.MethodGet)
	r.HandleFunc("/api/profile", s.handleUpdateProfile).Methods(http.MethodPut)

	r.HandleFunc("/api/workspaces", s.handleCreateWorkspace).Methods(http.MethodPost)
	r.HandleFunc("/api/workspaces/join", s.handleJoinWorkspace).Methods(http.MethodPost)
	r.HandleFunc("/api/workspaces/{id}", s.handleGetWorkspace).Methods(http.MethodGet)
	r.HandleFunc("/api/workspaces/{id}/boards", s.handleListBoards).Methods(http.MethodGet)
	r.HandleFunc("/api/workspaces/{id}/boards", s.handleCreateBoard).Methods(http.MethodPost)

	r.HandleFunc("/api/boards/{id}", s.handleGetBoard).Methods(http.MethodGet)
	r.HandleFunc("/api/boards/{id}", s.handleDeleteBoard).Methods(http.MethodDelete)
	r.HandleFunc("/api/boards/{id}/columns", s.handleCreateColumn).Methods(http.MethodPost)
	r.HandleFunc("/api/boards/{boardId}/columns/{id}", s.handleDeleteColumn).Methods(http.MethodDelete)
	r.HandleFunc("/api/columns/{id}", s.handleUpdateColumn).Methods(http.MethodPut)

	r.HandleFunc("/api/boards/{id}/tasks", s.handleCreateTask).Methods(http.MethodPost)
	r.HandleFunc("/api/tasks/{id}", s.handleUpdateTask).Methods(http.MethodPut)
	r.HandleFunc("/api/tasks/{id}", s.handleDeleteTask).Methods(http.MethodDelete)
	r.HandleFunc("/api/tasks/{id}/move", s.handleMoveTask).Methods(http.MethodPost)
	r.HandleFunc("/api/tasks/{id}/checklist/{itemId}/toggle", s.handleToggleChecklistItem).Methods(http.MethodPost)

	r.HandleFunc("/api/boards/{id}/messages", s.handleListMessages).Methods(http.MethodGet)
	r.HandleFunc("/api/boards/{id}/messages", s.handleSendMessage).Methods(http.MethodPost)

	r.HandleFunc("/api/boards/{id}/stats", s.handleBoardStats).Methods(http.MethodGet)
	r.HandleFunc("/api/boards/{id}/repair", s.handleRepairBoard).Methods(http.MethodPost)

	r.HandleFunc("/api/search", s.handleSearch).Methods(http.MethodGet)

	r.HandleFunc("/api/boardview", s.handleBoardView).Methods(http.MethodGet)
	r.HandleFunc("/api/boardview/select", s.handleSelectBoard).Methods(http.MethodPost)

	r.HandleFunc("/ws/boards/{id}", s.handleBoardSocket).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{s.corsOrigin},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-ID"},
		AllowCredentials: s.corsOrigin != "*",
	})
	return s.withLogging(c.Handler(r))
}

func (s *HTTPServer) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("req")
		}
		w.Header().Set("X-Request-ID", requestID)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// ---- health ----

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
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
}

// ---- auth ----

func sessionPayload(sess Session) map[string]any {
	return map[string]any{
		"token":          sess.Token,
		"refreshToken":   sess.RefreshToken,
		"userId":         sess.UserID,
		"userName":       sess.UserName,
		"role":           sess.Role,
		"expiresAt":      sess.ExpiresAt.UTC().Format(time.RFC3339),
		"requiresVerify": sess.RequiresVerify,
	}
}

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body SignUpInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
		return
	}
	sess, err := s.service.SignUp(r.Context(), body)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionPayload(sess))
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
		return
	}
	sess, err := s.service.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(sess))
}

func (s *HTTPServer) handleSignOut(w http.ResponseWriter, r *http.Request) {
	sess := Session{}
	if token := bearerToken(r); token != "" {
		if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
			sess = parsed
		}
	}
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = decodeBody(r, &body)
	_ = s.service.SignOut(r.Context(), sess, body.RefreshToken)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
		return
	}
	sess, err := s.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Refresh token invalid", nil)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(sess))
}

func (s *HTTPServer) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
		return
	}
	if err := s.service.VerifyEmail(r.Context(), body.Token); err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleRequestReset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
		return
	}
	if err := s.service.RequestPasswordReset(r.Context(), body.Email); err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token       string `json:"token"`
		NewPassword string `json:"newPassword"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
		return
	}
	if err := s.service.ResetPassword(r.Context(), body.Token, body.NewPassword); err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	sess, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"userId":        sess.UserID,
		"userName":      sess.UserName,
		"role":          sess.Role,
	})
}

// ---- profile ----

func profilePayload(user store.User) map[string]any {
	return map[string]any{
		"id":          user.ID,
		"displayName": user.DisplayName,
		"email":       user.Email,
		"photoUrl":    user.PhotoURL,
		"workspaces":  user.Workspaces,
		"settings":    user.Settings,
		"lastActive":  user.LastActive,
		"createdAt":   user.CreatedAt,
	}
}

func (s *HTTPServer) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	user, err := s.service.GetProfile(r.Context(), sess.UserID)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profilePayload(user))
}

func (s *HTTPServer) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var body struct {
		DisplayName *string             `json:"displayName"`
		PhotoURL    *string             `json:"photoUrl"`
		Settings    *store.UserSettings `json:"settings"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
		return
	}
	user, err := s.service.UpdateProfile(r.Context(), sess, store.ProfilePatch{
		DisplayName: body.DisplayName,
		PhotoURL:    body.PhotoURL,
		Settings:    body.Settings,
	})
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profilePayload(user))
}

// ---- workspaces ----

func workspacePayload(ws store.Workspace) map[string]any {
	return map[string]any{
		"id":        ws.ID,
		"name":      ws.Name,
		"ownerId":   ws.OwnerID,
		"teamCode":  ws.TeamCode,
		"members":   ws.Members,
		"settings":  ws.Settings,
		"createdAt": ws.CreatedAt,
	}
}

func (s *HTTPServer) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
		return
	}
	ws, err := s.service.CreateWorkspace(r.Context(), sess, body.Name)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, workspacePayload(ws))
}

func (s *HTTPServer) handleJoinWorkspace(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var body struct {
		TeamCode string `json:"teamCode"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
		return
	}
	ws, err := s.service.JoinWorkspace(r.Context(), sess, body.TeamCode)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workspacePayload(ws))
}

func (s *HTTPServer) handleGetWorkspace(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	ws, err := s.service.GetWorkspaceForMember(r.Context(), sess, mux.Vars(r)["id"])
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workspacePayload(ws))
}

// ---- boards ----

func (s *HTTPServer) handleListBoards(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	boards, err := s.service.ListBoards(r.Context(), sess, mux.Vars(r)["id"])
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"boards": boards})
}

func (s *HTTPServer) handleCreateBoard(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var body struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
		return
	}
	board, err := s.service.CreateBoard(r.Context(), sess, mux.Vars(r)["id"], body.Name, body.Description)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, board)
}

func (s *HTTPServer) handleGetBoard(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	board, columns, tasks, err := s.service.GetBoardDetail(r.Context(), sess, mux.Vars(r)["id"])
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"board":   board,
		"columns": columns,
		"tasks":   tasks,
	})
}

func (s *HTTPServer) handleDeleteBoard(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	if err := s.service.DeleteBoard(r.Context(), sess, mux.Vars(r)["id"]); err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// ---- columns ----

func (s *HTTPServer) handleCreateColumn(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var body CreateColumnInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
		return
	}
	column, err := s.service.CreateColumn(r.Context(), sess, mux.Vars(r)["id"], body)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, column)
}

func (s *HTTPServer) handleUpdateColumn(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var body UpdateColumnInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
		return
	}
	column, err := s.service.UpdateColumn(r.Context(), sess, mux.Vars(r)["id"], body)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, column)
}

func (s *HTTPServer) handleDeleteColumn(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	if err := s.service.DeleteColumn(r.Context(), sess, vars["boardId"], vars["id"]); err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// ---- tasks ----

func (s *HTTPServer) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var body CreateTaskInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
		return
	}
	task, err := s.service.CreateTask(r.Context(), sess, mux.Vars(r)["id"], body)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *HTTPServer) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var body UpdateTaskInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
		return
	}
	task, err := s.service.UpdateTask(r.Context(), sess, mux.Vars(r)["id"], body)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *HTTPServer) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	if err := s.service.DeleteTask(r.Context(), sess, mux.Vars(r)["id"]); err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleMoveTask(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var body struct {
		ColumnID string `json:"columnId"`
		Order    int    `json:"order"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
		return
	}
	task, err := s.service.MoveTask(r.Context(), sess, mux.Vars(r)["id"], body.ColumnID, body.Order)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *HTTPServer) handleToggleChecklistItem(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	task, err := s.service.ToggleChecklistItem(r.Context(), sess, vars["id"], vars["itemId"])
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// ---- chat ----

func (s *HTTPServer) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, CodeValidation, "limit must be an integer", nil)
			return
		}
		limit = parsed
	}
	messages, err := s.service.ListMessages(r.Context(), sess, mux.Vars(r)["id"], limit)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *HTTPServer) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
		return
	}
	msg, err := s.service.SendMessage(r.Context(), sess, mux.Vars(r)["id"], body.Text)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// ---- analytics, repair, search ----

func (s *HTTPServer) handleBoardStats(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	stats, err := s.service.BoardStats(r.Context(), sess, mux.Vars(r)["id"])
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *HTTPServer) handleRepairBoard(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	report, err := s.service.RepairBoard(r.Context(), sess, mux.Vars(r)["id"])
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"clean":                report.Clean(),
		"addedToBoardList":     report.AddedToBoardList,
		"removedFromBoardList": report.RemovedFromBoardList,
	})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	if !s.service.Can(sess.Role, rbac.ActionRead) {
		writeError(w, http.StatusForbidden, CodeForbidden, "Forbidden", nil)
		return
	}

	query := search.Query{
		Text:           strings.TrimSpace(r.URL.Query().Get("q")),
		FilterBoardID:  strings.TrimSpace(r.URL.Query().Get("boardId")),
		FilterPriority: strings.TrimSpace(r.URL.Query().Get("priority")),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, CodeValidation, "limit must be an integer", nil)
			return
		}
		query.Limit = parsed
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, CodeValidation, "offset must be an integer", nil)
			return
		}
		query.Offset = parsed
	}

	payload, err := s.service.SearchTasks(r.Context(), sess, query)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// ---- board view ----

func (s *HTTPServer) handleBoardView(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	snap := s.service.BoardView(r.Context(), sess)
	writeJSON(w, http.StatusOK, snap)
}

func (s *HTTPServer) handleSelectBoard(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var body struct {
		BoardID string `json:"boardId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
		return
	}
	snap, err := s.service.SelectBoard(r.Context(), sess, body.BoardID)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ---- websocket ----

// handleBoardSocket upgrades to a websocket that streams the board's events.
// Browsers cannot set Authorization headers on websocket requests, so the
// token may also arrive as a query parameter.
func (s *HTTPServer) handleBoardSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil)
		return
	}
	sess, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil)
		return
	}

	boardID := mux.Vars(r)["id"]
	if _, _, err := s.service.boardRole(r.Context(), sess.UserID, boardID); err != nil {
		writeMapped(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := realtime.NewClient(s.hub, conn, boardID, sess.UserID)
	s.hub.Register(client)
	go client.WritePump()
	client.ReadPump()
}

// ---- helpers ----

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil)
		return Session{}, false
	}
	sess, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, CodeServerError, "Session lookup failed", nil)
		return Session{}, false
	}
	return sess, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
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

func writeMapped(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, CodeNotFound, "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil
	}
	return http.StatusInternalServerError, CodeServerError, "Server error", nil
}
