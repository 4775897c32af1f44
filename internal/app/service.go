package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"collabflow/api/internal/analytics"
	"collabflow/api/internal/auth"
	"collabflow/api/internal/authpw"
	"collabflow/api/internal/boardview"
	"collabflow/api/internal/config"
	"collabflow/api/internal/notify"
	"collabflow/api/internal/rbac"
	"collabflow/api/internal/realtime"
	"collabflow/api/internal/search"
	"collabflow/api/internal/session"
	"collabflow/api/internal/store"
	"collabflow/api/internal/util"
)

// Session is the authenticated caller of a request. Role is the caller's role
// in their primary (first joined) workspace; board-scoped operations resolve
// the role in the board's own workspace instead.
type Session struct {
	Token          string
	RefreshToken   string
	UserID         string
	UserName       string
	Role           string
	JTI            string
	ExpiresAt      time.Time
	RequiresVerify bool
}

type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	UpdateProfile(context.Context, string, store.ProfilePatch) error
	TouchLastActive(context.Context, string) error
	LinkWorkspace(context.Context, string, string) error

	CreateWorkspace(context.Context, store.Workspace) error
	GetWorkspace(context.Context, string) (store.Workspace, error)
	GetWorkspaceByCode(context.Context, string) (store.Workspace, error)
	AppendMember(context.Context, string, store.WorkspaceMember) error

	CreateBoard(context.Context, store.Board) error
	GetBoard(context.Context, string) (store.Board, error)
	ListBoardsByWorkspace(context.Context, string) ([]store.Board, error)
	SetBoardColumns(context.Context, string, []string) error
	DeleteBoardCascade(context.Context, string) error

	CreateColumn(context.Context, store.Column) error
	GetColumn(context.Context, string) (store.Column, error)
	ListColumnsByBoard(context.Context, string) ([]store.Column, error)
	CountColumns(context.Context, string) (int, error)
	UpdateColumn(context.Context, store.Column) error
	DeleteColumnCascade(context.Context, string, string) error

	CreateTask(context.Context, store.Task) error
	GetTask(context.Context, string) (store.Task, error)
	ListTasksByBoard(context.Context, string) ([]store.Task, error)
	CountTasksInColumn(context.Context, string) (int, error)
	SaveTask(context.Context, store.Task) error
	DeleteTask(context.Context, string) error
	MoveTask(context.Context, string, string, int) error

	InsertMessage(context.Context, store.Message) error
	ListMessages(context.Context, string, int) ([]store.Message, error)

	ReconcileColumnRefs(context.Context, string) (store.RepairReport, error)

	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, data session.TokenData, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (session.TokenData, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type identityService interface {
	SignUp(ctx context.Context, req authpw.SignUpRequest) (*authpw.SignUpResponse, error)
	SignIn(ctx context.Context, req authpw.SignInRequest) (*authpw.SignInResponse, error)
	VerifyEmail(ctx context.Context, token string) error
	RequestPasswordReset(ctx context.Context, email string) (string, error)
	ResetPassword(ctx context.Context, req authpw.ResetPasswordRequest) error
}

type taskIndex interface {
	Search(q search.Query) search.Response
	IndexTask(t search.TaskRecord)
	DeleteTask(id string)
}

type mailer interface {
	IsConfigured() bool
	SendVerificationEmail(to, userName, verificationURL string) error
	SendPasswordResetEmail(to, userName, resetURL string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	identity identityService
	index    taskIndex
	bus      realtime.Bus
	notifier notify.Notifier
	mail     mailer
	prefs    boardview.Prefs
	logger   *zap.Logger

	viewMu sync.Mutex
	views  map[string]*boardview.Store
}

type Deps struct {
	Store    *store.PostgresStore
	Sessions *session.RedisStore
	Identity *authpw.Service
	Index    *search.Service
	Bus      realtime.Bus
	Notifier notify.Notifier
	Prefs    boardview.Prefs
	Logger   *zap.Logger
}

func New(cfg config.Config, deps Deps) *Service {
	s := &Service{
		cfg:      cfg,
		store:    deps.Store,
		sessions: deps.Sessions,
		identity: deps.Identity,
		bus:      deps.Bus,
		notifier: deps.Notifier,
		prefs:    deps.Prefs,
		logger:   deps.Logger,
		views:    make(map[string]*boardview.Store),
	}
	if deps.Index != nil {
		s.index = deps.Index
	}
	return s
}

// WithMailer sets the outbound mail service.
func (s *Service) WithMailer(m mailer) *Service {
	s.mail = m
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// ---- authentication ----

type SignUpInput struct {
	Email         string `json:"email"`
	Password      string `json:"password"`
	DisplayName   string `json:"displayName"`
	PhotoURL      string `json:"photoUrl"`
	Role          string `json:"role"`
	TeamCode      string `json:"teamCode"`
	WorkspaceName string `json:"workspaceName"`
}

// SignUp creates a new account. Admins register a fresh workspace under a
// team code of their choosing; members join an existing workspace by code.
// Both code checks run before the identity is created so a rejected signup
// leaves no account behind.
func (s *Service) SignUp(ctx context.Context, in SignUpInput) (Session, error) {
	role := strings.ToLower(strings.TrimSpace(in.Role))
	switch role {
	case "":
		role = string(rbac.RoleMember)
	case "employee":
		role = string(rbac.RoleMember)
	}
	if role != string(rbac.RoleAdmin) && role != string(rbac.RoleMember) {
		return Session{}, validationError("role must be admin or member")
	}

	code := strings.ToUpper(strings.TrimSpace(in.TeamCode))
	workspaceName := strings.TrimSpace(in.WorkspaceName)

	var joinWorkspace store.Workspace
	switch role {
	case string(rbac.RoleMember):
		if code == "" {
			return Session{}, validationError("team code is required")
		}
		ws, err := s.store.GetWorkspaceByCode(ctx, code)
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, notFoundError("Invalid team code")
		}
		if err != nil {
			return Session{}, err
		}
		joinWorkspace = ws

	case string(rbac.RoleAdmin):
		if code == "" {
			return Session{}, validationError("team code is required")
		}
		if workspaceName == "" {
			return Session{}, validationError("workspace name is required")
		}
		_, err := s.store.GetWorkspaceByCode(ctx, code)
		if err == nil {
			return Session{}, conflictError("Team code already in use")
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return Session{}, err
		}
	}

	resp, err := s.identity.SignUp(ctx, authpw.SignUpRequest{
		Email:       strings.TrimSpace(in.Email),
		Password:    in.Password,
		DisplayName: strings.TrimSpace(in.DisplayName),
		PhotoURL:    strings.TrimSpace(in.PhotoURL),
	})
	if err != nil {
		if err.Error() == "email already registered" {
			return Session{}, conflictError("Email already registered")
		}
		return Session{}, validationError(err.Error())
	}

	now := time.Now()
	if role == string(rbac.RoleAdmin) {
		ws := store.Workspace{
			ID:       util.NewID("ws"),
			Name:     workspaceName,
			OwnerID:  resp.UserID,
			TeamCode: code,
			Members: []store.WorkspaceMember{
				{UserID: resp.UserID, Role: string(rbac.RoleAdmin), JoinedAt: now},
			},
		}
		if err := s.store.CreateWorkspace(ctx, ws); err != nil {
			return Session{}, err
		}
		if err := s.store.LinkWorkspace(ctx, resp.UserID, ws.ID); err != nil {
			return Session{}, err
		}
	} else {
		member := store.WorkspaceMember{UserID: resp.UserID, Role: string(rbac.RoleMember), JoinedAt: now}
		if err := s.store.AppendMember(ctx, joinWorkspace.ID, member); err != nil {
			return Session{}, err
		}
		if err := s.store.LinkWorkspace(ctx, resp.UserID, joinWorkspace.ID); err != nil {
			return Session{}, err
		}
	}

	s.sendVerificationMail(in.Email, in.DisplayName, resp.VerificationToken)

	user, err := s.store.GetUserByID(ctx, resp.UserID)
	if err != nil {
		return Session{}, err
	}
	created, err := s.issueSession(ctx, user)
	if err != nil {
		return Session{}, err
	}
	created.RequiresVerify = resp.RequiresEmailVerify
	return created, nil
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	resp, err := s.identity.SignIn(ctx, authpw.SignInRequest{Email: strings.TrimSpace(email), Password: password})
	if err != nil {
		return Session{}, unauthorizedError("Invalid email or password")
	}

	if err := s.store.TouchLastActive(ctx, resp.User.ID); err != nil {
		s.logger.Warn("touch last active failed", zap.String("user_id", resp.User.ID), zap.Error(err))
	}

	created, err := s.issueSession(ctx, resp.User)
	if err != nil {
		return Session{}, err
	}
	created.RequiresVerify = resp.RequiresVerify
	return created, nil
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	data, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, data.UserID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignOut(ctx context.Context, sess Session, refreshToken string) error {
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	s.dropView(sess.UserID)
	return nil
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	role, _, err := s.resolveRole(ctx, user)
	if err != nil {
		return Session{}, err
	}

	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, user.DisplayName, role, jti, s.cfg.AccessTTL)
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	data := session.TokenData{
		UserID:      user.ID,
		DisplayName: user.DisplayName,
		Email:       user.Email,
		CreatedAt:   now,
	}
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), data, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(_ context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Subject,
		UserName:  claims.Name,
		Role:      claims.Role,
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	if err := s.identity.VerifyEmail(ctx, token); err != nil {
		return validationError(err.Error())
	}
	return nil
}

// RequestPasswordReset never reveals whether the address exists.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	token, err := s.identity.RequestPasswordReset(ctx, strings.TrimSpace(email))
	if err != nil {
		return err
	}
	if token == "" {
		return nil
	}
	if s.mail != nil && s.mail.IsConfigured() {
		resetURL := s.cfg.AppBaseURL + "/reset-password?token=" + token
		go func() {
			if err := s.mail.SendPasswordResetEmail(email, "", resetURL); err != nil {
				s.logger.Warn("send reset mail failed", zap.Error(err))
			}
		}()
	}
	return nil
}

func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	if err := s.identity.ResetPassword(ctx, authpw.ResetPasswordRequest{Token: token, NewPassword: newPassword}); err != nil {
		return validationError(err.Error())
	}
	return nil
}

func (s *Service) sendVerificationMail(email, name, token string) {
	if s.mail == nil || !s.mail.IsConfigured() || token == "" {
		return
	}
	verifyURL := s.cfg.AppBaseURL + "/verify-email?token=" + token
	go func() {
		if err := s.mail.SendVerificationEmail(email, name, verifyURL); err != nil {
			s.logger.Warn("send verification mail failed", zap.Error(err))
		}
	}()
}

// resolveRole picks the caller's role from their first joined workspace.
// Users with no workspace are viewers everywhere.
func (s *Service) resolveRole(ctx context.Context, user store.User) (string, string, error) {
	if len(user.Workspaces) == 0 {
		return string(rbac.RoleViewer), "", nil
	}
	ws, err := s.store.GetWorkspace(ctx, user.Workspaces[0])
	if errors.Is(err, sql.ErrNoRows) {
		return string(rbac.RoleViewer), "", nil
	}
	if err != nil {
		return "", "", err
	}
	if role, ok := memberRole(ws, user.ID); ok {
		return role, ws.ID, nil
	}
	return string(rbac.RoleViewer), ws.ID, nil
}

func memberRole(ws store.Workspace, userID string) (string, bool) {
	for _, member := range ws.Members {
		if member.UserID == userID {
			return string(rbac.Normalize(member.Role)), true
		}
	}
	return "", false
}

// ---- profile ----

func (s *Service) GetProfile(ctx context.Context, userID string) (store.User, error) {
	return s.store.GetUserByID(ctx, userID)
}

func (s *Service) UpdateProfile(ctx context.Context, sess Session, patch store.ProfilePatch) (store.User, error) {
	if err := s.store.UpdateProfile(ctx, sess.UserID, patch); err != nil {
		s.notifier.Failure(ctx, sess.UserID, "", "Could not update profile")
		return store.User{}, err
	}
	s.notifier.Success(ctx, sess.UserID, "", "Profile updated")
	return s.store.GetUserByID(ctx, sess.UserID)
}

// ---- workspaces ----

func (s *Service) CreateWorkspace(ctx context.Context, sess Session, name string) (store.Workspace, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Workspace{}, validationError("workspace name is required")
	}
	ws := store.Workspace{
		ID:       util.NewID("ws"),
		Name:     name,
		OwnerID:  sess.UserID,
		TeamCode: generateTeamCode(),
		Members: []store.WorkspaceMember{
			{UserID: sess.UserID, Role: string(rbac.RoleAdmin), JoinedAt: time.Now()},
		},
	}
	if err := s.store.CreateWorkspace(ctx, ws); err != nil {
		s.notifier.Failure(ctx, sess.UserID, "", "Could not create workspace")
		return store.Workspace{}, err
	}
	if err := s.store.LinkWorkspace(ctx, sess.UserID, ws.ID); err != nil {
		s.notifier.Failure(ctx, sess.UserID, "", "Could not create workspace")
		return store.Workspace{}, err
	}
	s.notifier.Success(ctx, sess.UserID, "", "Workspace created")
	return ws, nil
}

func (s *Service) JoinWorkspace(ctx context.Context, sess Session, teamCode string) (store.Workspace, error) {
	code := strings.ToUpper(strings.TrimSpace(teamCode))
	if code == "" {
		return store.Workspace{}, validationError("team code is required")
	}
	ws, err := s.store.GetWorkspaceByCode(ctx, code)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Workspace{}, notFoundError("Invalid team code")
	}
	if err != nil {
		return store.Workspace{}, err
	}
	if _, ok := memberRole(ws, sess.UserID); ok {
		return ws, nil
	}

	member := store.WorkspaceMember{UserID: sess.UserID, Role: string(rbac.RoleMember), JoinedAt: time.Now()}
	if err := s.store.AppendMember(ctx, ws.ID, member); err != nil {
		s.notifier.Failure(ctx, sess.UserID, "", "Could not join workspace")
		return store.Workspace{}, err
	}
	if err := s.store.LinkWorkspace(ctx, sess.UserID, ws.ID); err != nil {
		s.notifier.Failure(ctx, sess.UserID, "", "Could not join workspace")
		return store.Workspace{}, err
	}
	ws.Members = append(ws.Members, member)
	s.notifier.Success(ctx, sess.UserID, "", "Joined workspace "+ws.Name)
	return ws, nil
}

func (s *Service) GetWorkspaceForMember(ctx context.Context, sess Session, workspaceID string) (store.Workspace, error) {
	ws, _, err := s.workspaceRole(ctx, sess.UserID, workspaceID)
	return ws, err
}

// workspaceRole loads a workspace and resolves the caller's role in it.
// Non-members are rejected.
func (s *Service) workspaceRole(ctx context.Context, userID, workspaceID string) (store.Workspace, string, error) {
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return store.Workspace{}, "", err
	}
	role, ok := memberRole(ws, userID)
	if !ok {
		return store.Workspace{}, "", forbiddenError()
	}
	return ws, role, nil
}

// boardRole loads a board and resolves the caller's role in the board's
// workspace.
func (s *Service) boardRole(ctx context.Context, userID, boardID string) (store.Board, string, error) {
	board, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return store.Board{}, "", err
	}
	_, role, err := s.workspaceRole(ctx, userID, board.WorkspaceID)
	if err != nil {
		return store.Board{}, "", err
	}
	return board, role, nil
}

// ---- boards ----

func (s *Service) ListBoards(ctx context.Context, sess Session, workspaceID string) ([]store.Board, error) {
	if _, _, err := s.workspaceRole(ctx, sess.UserID, workspaceID); err != nil {
		return nil, err
	}
	return s.store.ListBoardsByWorkspace(ctx, workspaceID)
}

func (s *Service) GetBoardDetail(ctx context.Context, sess Session, boardID string) (store.Board, []store.Column, []store.Task, error) {
	board, _, err := s.boardRole(ctx, sess.UserID, boardID)
	if err != nil {
		return store.Board{}, nil, nil, err
	}
	columns, err := s.store.ListColumnsByBoard(ctx, boardID)
	if err != nil {
		return store.Board{}, nil, nil, err
	}
	tasks, err := s.store.ListTasksByBoard(ctx, boardID)
	if err != nil {
		return store.Board{}, nil, nil, err
	}
	return board, columns, tasks, nil
}

func (s *Service) CreateBoard(ctx context.Context, sess Session, workspaceID, name, description string) (store.Board, error) {
	_, role, err := s.workspaceRole(ctx, sess.UserID, workspaceID)
	if err != nil {
		return store.Board{}, err
	}
	if !rbac.Can(rbac.Normalize(role), rbac.ActionManageBoard) {
		s.notifier.Failure(ctx, sess.UserID, "", "Could not create board")
		return store.Board{}, forbiddenError()
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = "Untitled Board"
	}
	board := store.Board{
		ID:          util.NewID("board"),
		WorkspaceID: workspaceID,
		Name:        name,
		Description: strings.TrimSpace(description),
		Columns:     []string{},
		CreatedBy:   sess.UserID,
	}
	if err := s.store.CreateBoard(ctx, board); err != nil {
		s.notifier.Failure(ctx, sess.UserID, "", "Could not create board")
		return store.Board{}, err
	}
	s.publish(ctx, realtime.EntityBoard, realtime.OpCreated, board.ID, board)
	s.notifier.Success(ctx, sess.UserID, board.ID, "Board created")
	return board, nil
}

// DeleteBoard removes the board and everything under it in one transaction.
// There is no undo.
func (s *Service) DeleteBoard(ctx context.Context, sess Session, boardID string) error {
	_, role, err := s.boardRole(ctx, sess.UserID, boardID)
	if err != nil {
		return err
	}
	if !rbac.Can(rbac.Normalize(role), rbac.ActionManageBoard) {
		s.notifier.Failure(ctx, sess.UserID, boardID, "Could not delete board")
		return forbiddenError()
	}

	if err := s.store.DeleteBoardCascade(ctx, boardID); err != nil {
		s.notifier.Failure(ctx, sess.UserID, boardID, "Could not delete board")
		return err
	}
	s.publish(ctx, realtime.EntityBoard, realtime.OpDeleted, boardID, map[string]string{"id": boardID})
	s.notifier.Success(ctx, sess.UserID, boardID, "Board deleted")
	return nil
}

// ---- columns ----

type CreateColumnInput struct {
	Name      string `json:"name"`
	Color     string `json:"color"`
	TaskLimit *int   `json:"taskLimit"`
}

// CreateColumn appends a column at the end of the board. The column row and
// the board's column list are written separately; RepairBoard heals the rare
// case where the second write is lost.
func (s *Service) CreateColumn(ctx context.Context, sess Session, boardID string, in CreateColumnInput) (store.Column, error) {
	board, role, err := s.boardRole(ctx, sess.UserID, boardID)
	if err != nil {
		return store.Column{}, err
	}
	if !rbac.Can(rbac.Normalize(role), rbac.ActionManageBoard) {
		s.notifier.Failure(ctx, sess.UserID, boardID, "Could not create column")
		return store.Column{}, forbiddenError()
	}

	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = "New Column"
	}
	count, err := s.store.CountColumns(ctx, boardID)
	if err != nil {
		s.notifier.Failure(ctx, sess.UserID, boardID, "Could not create column")
		return store.Column{}, err
	}
	column := store.Column{
		ID:        util.NewID("col"),
		BoardID:   boardID,
		Name:      name,
		Order:     count,
		Color:     strings.TrimSpace(in.Color),
		TaskLimit: in.TaskLimit,
	}
	if err := s.store.CreateColumn(ctx, column); err != nil {
		s.notifier.Failure(ctx, sess.UserID, boardID, "Could not create column")
		return store.Column{}, err
	}
	if err := s.store.SetBoardColumns(ctx, boardID, append(board.Columns, column.ID)); err != nil {
		// The column row exists but the board list append was lost; try to
		// reconcile right away rather than waiting for a manual repair.
		if _, repairErr := s.store.ReconcileColumnRefs(ctx, boardID); repairErr != nil {
			s.logger.Warn("reconcile after partial column create failed",
				zap.String("board_id", boardID), zap.Error(repairErr))
		}
		s.notifier.Failure(ctx, sess.UserID, boardID, "Could not create column")
		return store.Column{}, err
	}

	s.publish(ctx, realtime.EntityColumn, realtime.OpCreated, boardID, column)
	s.notifier.Success(ctx, sess.UserID, boardID, "Column created")
	return column, nil
}

type UpdateColumnInput struct {
	Name      *string `json:"name"`
	Color     *string `json:"color"`
	TaskLimit *int    `json:"taskLimit"`
}

func (s *Service) UpdateColumn(ctx context.Context, sess Session, columnID string, in UpdateColumnInput) (store.Column, error) {
	column, err := s.store.GetColumn(ctx, columnID)
	if err != nil {
		return store.Column{}, err
	}
	_, role, err := s.boardRole(ctx, sess.UserID, column.BoardID)
	if err != nil {
		return store.Column{}, err
	}
	if !rbac.Can(rbac.Normalize(role), rbac.ActionManageBoard) {
		s.notifier.Failure(ctx, sess.UserID, column.BoardID, "Could not update column")
		return store.Column{}, forbiddenError()
	}

	if in.Name != nil && strings.TrimSpace(*in.Name) != "" {
		column.Name = strings.TrimSpace(*in.Name)
	}
	if in.Color != nil {
		column.Color = strings.TrimSpace(*in.Color)
	}
	if in.TaskLimit != nil {
		column.TaskLimit = in.TaskLimit
	}
	if err := s.store.UpdateColumn(ctx, column); err != nil {
		s.notifier.Failure(ctx, sess.UserID, column.BoardID, "Could not update column")
		return store.Column{}, err
	}

	s.publish(ctx, realtime.EntityColumn, realtime.OpUpdated, column.BoardID, column)
	s.notifier.Success(ctx, sess.UserID, column.BoardID, "Column updated")
	return column, nil
}

// DeleteColumn removes the column, its tasks and its board list entry in one
// transaction.
func (s *Service) DeleteColumn(ctx context.Context, sess Session, boardID, columnID string) error {
	column, err := s.store.GetColumn(ctx, columnID)
	if err != nil {
		return err
	}
	if column.BoardID != boardID {
		return validationError("column does not belong to this board")
	}
	_, role, err := s.boardRole(ctx, sess.UserID, boardID)
	if err != nil {
		return err
	}
	if !rbac.Can(rbac.Normalize(role), rbac.ActionManageBoard) {
		s.notifier.Failure(ctx, sess.UserID, boardID, "Could not delete column")
		return forbiddenError()
	}

	if err := s.store.DeleteColumnCascade(ctx, boardID, columnID); err != nil {
		s.notifier.Failure(ctx, sess.UserID, boardID, "Could not delete column")
		return err
	}
	s.publish(ctx, realtime.EntityColumn, realtime.OpDeleted, boardID, map[string]string{"id": columnID})
	s.notifier.Success(ctx, sess.UserID, boardID, "Column deleted")
	return nil
}

// ---- tasks ----

var allowedPriorities = map[string]struct{}{
	"low":    {},
	"medium": {},
	"high":   {},
}

type CreateTaskInput struct {
	ColumnID    string     `json:"columnId"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Priority    string     `json:"priority"`
	AssignedTo  []string   `json:"assignedTo"`
	Tags        []string   `json:"tags"`
	DueDate     *time.Time `json:"dueDate"`
}

func (s *Service) CreateTask(ctx context.Context, sess Session, boardID string, in CreateTaskInput) (store.Task, error) {
	_, role, err := s.boardRole(ctx, sess.UserID, boardID)
	if err != nil {
		return store.Task{}, err
	}
	if !rbac.Can(rbac.Normalize(role), rbac.ActionManageBoard) {
		s.notifier.Failure(ctx, sess.UserID, boardID, "Could not create task")
		return store.Task{}, forbiddenError()
	}

	column, err := s.store.GetColumn(ctx, in.ColumnID)
	if err != nil {
		s.notifier.Failure(ctx, sess.UserID, boardID, "Could not create task")
		return store.Task{}, err
	}
	if column.BoardID != boardID {
		s.notifier.Failure(ctx, sess.UserID, boardID, "Could not create task")
		return store.Task{}, validationError("column does not belong to this board")
	}

	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = "Untitled Task"
	}
	priority := strings.ToLower(strings.TrimSpace(in.Priority))
	if priority == "" {
		priority = "medium"
	}
	if _, ok := allowedPriorities[priority]; !ok {
		s.notifier.Failure(ctx, sess.UserID, boardID, "Could not create task")
		return store.Task{}, validationError("priority must be low, medium, or high")
	}

	count, err := s.store.CountTasksInColumn(ctx, in.ColumnID)
	if err != nil {
		s.notifier.Failure(ctx, sess.UserID, boardID, "Could not create task")
		return store.Task{}, err
	}

	task := store.Task{
		ID:          util.NewID("task"),
		BoardID:     boardID,
		ColumnID:    in.ColumnID,
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		AssignedTo:  emptyIfNil(in.AssignedTo),
		Priority:    priority,
		DueDate:     in.DueDate,
		Tags:        emptyIfNil(in.Tags),
		CreatedBy:   sess.UserID,
		Comments:    0,
		Attachments: []store.Attachment{},
		Order:       count,
		Checklist:   []store.ChecklistItem{},
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		s.notifier.Failure(ctx, sess.UserID, boardID, "Could not create task")
		return store.Task{}, err
	}

	s.indexTask(task)
	s.publish(ctx, realtime.EntityTask, realtime.OpCreated, boardID, task)
	s.notifier.Success(ctx, sess.UserID, boardID, "Task created")
	return task, nil
}

type UpdateTaskInput struct {
	Title       *string                `json:"title"`
	Description *string                `json:"description"`
	ColumnID    *string                `json:"columnId"`
	AssignedTo  *[]string              `json:"assignedTo"`
	Priority    *string                `json:"priority"`
	DueDate     *time.Time             `json:"dueDate"`
	ClearDue    bool                   `json:"clearDueDate"`
	Tags        *[]string              `json:"tags"`
	Checklist   *[]store.ChecklistItem `json:"checklist"`
	IsCompleted *bool                  `json:"isCompleted"`
	Order       *int                   `json:"order"`
}

// UpdateTask merges the provided fields into the stored task. Writes are
// last-write-wins; every save stamps a fresh updatedAt.
func (s *Service) UpdateTask(ctx context.Context, sess Session, taskID string, in UpdateTaskInput) (store.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return store.Task{}, err
	}
	_, role, err := s.boardRole(ctx, sess.UserID, task.BoardID)
	if err != nil {
		return store.Task{}, err
	}
	if !rbac.Can(rbac.Normalize(role), rbac.ActionEditTask) {
		s.notifier.Failure(ctx, sess.UserID, task.BoardID, "Could not update task")
		return store.Task{}, forbiddenError()
	}

	if in.Title != nil && strings.TrimSpace(*in.Title) != "" {
		task.Title = strings.TrimSpace(*in.Title)
	}
	if in.Description != nil {
		task.Description = *in.Description
	}
	if in.ColumnID != nil && *in.ColumnID != "" && *in.ColumnID != task.ColumnID {
		column, err := s.store.GetColumn(ctx, *in.ColumnID)
		if err != nil {
			s.notifier.Failure(ctx, sess.UserID, task.BoardID, "Could not update task")
			return store.Task{}, err
		}
		if column.BoardID != task.BoardID {
			s.notifier.Failure(ctx, sess.UserID, task.BoardID, "Could not update task")
			return store.Task{}, validationError("column does not belong to this board")
		}
		task.ColumnID = *in.ColumnID
	}
	if in.AssignedTo != nil {
		task.AssignedTo = emptyIfNil(*in.AssignedTo)
	}
	if in.Priority != nil {
		priority := strings.ToLower(strings.TrimSpace(*in.Priority))
		if _, ok := allowedPriorities[priority]; !ok {
			s.notifier.Failure(ctx, sess.UserID, task.BoardID, "Could not update task")
			return store.Task{}, validationError("priority must be low, medium, or high")
		}
		task.Priority = priority
	}
	if in.DueDate != nil {
		task.DueDate = in.DueDate
	}
	if in.ClearDue {
		task.DueDate = nil
	}
	if in.Tags != nil {
		task.Tags = emptyIfNil(*in.Tags)
	}
	if in.Checklist != nil {
		task.Checklist = *in.Checklist
	}
	if in.IsCompleted != nil {
		task.IsCompleted = *in.IsCompleted
	}
	if in.Order != nil {
		task.Order = *in.Order
	}

	if err := s.store.SaveTask(ctx, task); err != nil {
		s.notifier.Failure(ctx, sess.UserID, task.BoardID, "Could not update task")
		return store.Task{}, err
	}

	s.indexTask(task)
	s.publish(ctx, realtime.EntityTask, realtime.OpUpdated, task.BoardID, task)
	s.notifier.Success(ctx, sess.UserID, task.BoardID, "Task updated")
	return task, nil
}

func (s *Service) DeleteTask(ctx context.Context, sess Session, taskID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	_, role, err := s.boardRole(ctx, sess.UserID, task.BoardID)
	if err != nil {
		return err
	}
	if !rbac.Can(rbac.Normalize(role), rbac.ActionEditTask) {
		s.notifier.Failure(ctx, sess.UserID, task.BoardID, "Could not delete task")
		return forbiddenError()
	}

	if err := s.store.DeleteTask(ctx, taskID); err != nil {
		s.notifier.Failure(ctx, sess.UserID, task.BoardID, "Could not delete task")
		return err
	}
	if s.index != nil {
		s.index.DeleteTask(taskID)
	}
	s.publish(ctx, realtime.EntityTask, realtime.OpDeleted, task.BoardID, map[string]string{"id": taskID})
	s.notifier.Success(ctx, sess.UserID, task.BoardID, "Task deleted")
	return nil
}

// MoveTask changes a task's column and position in a single write. The target
// column must belong to the task's board.
func (s *Service) MoveTask(ctx context.Context, sess Session, taskID, toColumnID string, order int) (store.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return store.Task{}, err
	}
	_, role, err := s.boardRole(ctx, sess.UserID, task.BoardID)
	if err != nil {
		return store.Task{}, err
	}
	if !rbac.Can(rbac.Normalize(role), rbac.ActionEditTask) {
		s.notifier.Failure(ctx, sess.UserID, task.BoardID, "Could not move task")
		return store.Task{}, forbiddenError()
	}

	column, err := s.store.GetColumn(ctx, toColumnID)
	if err != nil {
		s.notifier.Failure(ctx, sess.UserID, task.BoardID, "Could not move task")
		return store.Task{}, err
	}
	if column.BoardID != task.BoardID {
		s.notifier.Failure(ctx, sess.UserID, task.BoardID, "Could not move task")
		return store.Task{}, validationError("column belongs to a different board")
	}

	if err := s.store.MoveTask(ctx, taskID, toColumnID, order); err != nil {
		s.notifier.Failure(ctx, sess.UserID, task.BoardID, "Could not move task")
		return store.Task{}, err
	}
	task.ColumnID = toColumnID
	task.Order = order

	s.indexTask(task)
	s.publish(ctx, realtime.EntityTask, realtime.OpMoved, task.BoardID, map[string]any{
		"id":       taskID,
		"columnId": toColumnID,
		"order":    order,
	})
	s.notifier.Success(ctx, sess.UserID, task.BoardID, "Task moved")
	return task, nil
}

func (s *Service) ToggleChecklistItem(ctx context.Context, sess Session, taskID, itemID string) (store.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return store.Task{}, err
	}
	_, role, err := s.boardRole(ctx, sess.UserID, task.BoardID)
	if err != nil {
		return store.Task{}, err
	}
	if !rbac.Can(rbac.Normalize(role), rbac.ActionEditTask) {
		s.notifier.Failure(ctx, sess.UserID, task.BoardID, "Could not update checklist")
		return store.Task{}, forbiddenError()
	}

	found := false
	for i := range task.Checklist {
		if task.Checklist[i].ID == itemID {
			task.Checklist[i].Completed = !task.Checklist[i].Completed
			found = true
			break
		}
	}
	if !found {
		return store.Task{}, notFoundError("Checklist item not found")
	}

	if err := s.store.SaveTask(ctx, task); err != nil {
		s.notifier.Failure(ctx, sess.UserID, task.BoardID, "Could not update checklist")
		return store.Task{}, err
	}
	s.publish(ctx, realtime.EntityTask, realtime.OpUpdated, task.BoardID, task)
	s.notifier.Success(ctx, sess.UserID, task.BoardID, "Checklist updated")
	return task, nil
}

func (s *Service) indexTask(task store.Task) {
	if s.index == nil {
		return
	}
	s.index.IndexTask(search.TaskRecord{
		ID:          task.ID,
		BoardID:     task.BoardID,
		ColumnID:    task.ColumnID,
		Title:       task.Title,
		Description: task.Description,
		Priority:    task.Priority,
		Tags:        task.Tags,
		IsCompleted: task.IsCompleted,
	})
}

// ---- chat ----

func (s *Service) SendMessage(ctx context.Context, sess Session, boardID, text string) (store.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return store.Message{}, validationError("message text is required")
	}
	_, role, err := s.boardRole(ctx, sess.UserID, boardID)
	if err != nil {
		return store.Message{}, err
	}
	if !rbac.Can(rbac.Normalize(role), rbac.ActionChat) {
		s.notifier.Failure(ctx, sess.UserID, boardID, "Could not send message")
		return store.Message{}, forbiddenError()
	}

	user, err := s.store.GetUserByID(ctx, sess.UserID)
	if err != nil {
		s.notifier.Failure(ctx, sess.UserID, boardID, "Could not send message")
		return store.Message{}, err
	}

	msg := store.Message{
		ID:       util.NewID("msg"),
		BoardID:  boardID,
		UserID:   user.ID,
		UserName: user.DisplayName,
		PhotoURL: user.PhotoURL,
		Text:     text,
	}
	if err := s.store.InsertMessage(ctx, msg); err != nil {
		s.notifier.Failure(ctx, sess.UserID, boardID, "Could not send message")
		return store.Message{}, err
	}
	s.publish(ctx, realtime.EntityMessage, realtime.OpCreated, boardID, msg)
	return msg, nil
}

func (s *Service) ListMessages(ctx context.Context, sess Session, boardID string, limit int) ([]store.Message, error) {
	if _, _, err := s.boardRole(ctx, sess.UserID, boardID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	return s.store.ListMessages(ctx, boardID, limit)
}

// ---- analytics ----

func (s *Service) BoardStats(ctx context.Context, sess Session, boardID string) (analytics.Stats, error) {
	_, role, err := s.boardRole(ctx, sess.UserID, boardID)
	if err != nil {
		return analytics.Stats{}, err
	}
	if !rbac.Can(rbac.Normalize(role), rbac.ActionAnalytics) {
		return analytics.Stats{}, forbiddenError()
	}

	columns, err := s.store.ListColumnsByBoard(ctx, boardID)
	if err != nil {
		return analytics.Stats{}, err
	}
	tasks, err := s.store.ListTasksByBoard(ctx, boardID)
	if err != nil {
		return analytics.Stats{}, err
	}
	return analytics.Compute(tasks, columns, time.Now()), nil
}

// ---- repair ----

// RepairBoard reconciles the board's denormalized column list with the column
// rows that actually reference it.
func (s *Service) RepairBoard(ctx context.Context, sess Session, boardID string) (store.RepairReport, error) {
	_, role, err := s.boardRole(ctx, sess.UserID, boardID)
	if err != nil {
		return store.RepairReport{}, err
	}
	if !rbac.Can(rbac.Normalize(role), rbac.ActionManageBoard) {
		s.notifier.Failure(ctx, sess.UserID, boardID, "Could not repair board")
		return store.RepairReport{}, forbiddenError()
	}

	report, err := s.store.ReconcileColumnRefs(ctx, boardID)
	if err != nil {
		s.notifier.Failure(ctx, sess.UserID, boardID, "Could not repair board")
		return store.RepairReport{}, err
	}
	if !report.Clean() {
		board, err := s.store.GetBoard(ctx, boardID)
		if err == nil {
			s.publish(ctx, realtime.EntityBoard, realtime.OpUpdated, boardID, board)
		}
	}
	s.notifier.Success(ctx, sess.UserID, boardID, fmt.Sprintf(
		"Board repaired: %d added, %d removed",
		len(report.AddedToBoardList), len(report.RemovedFromBoardList)))
	return report, nil
}

// ---- search ----

func (s *Service) SearchTasks(ctx context.Context, sess Session, q search.Query) (search.Response, error) {
	if q.FilterBoardID != "" {
		if _, _, err := s.boardRole(ctx, sess.UserID, q.FilterBoardID); err != nil {
			return search.Response{}, err
		}
	}
	if s.index == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	return s.index.Search(q), nil
}

// ---- board view ----

// viewFor returns the caller's live board view, creating it on first use and
// restoring the last selected board from preferences.
func (s *Service) viewFor(ctx context.Context, userID string) *boardview.Store {
	s.viewMu.Lock()
	view, ok := s.views[userID]
	if !ok {
		view = boardview.New(s.store, s.bus, s.prefs, s.logger, userID)
		s.views[userID] = view
		s.viewMu.Unlock()
		if err := view.Restore(ctx); err != nil {
			s.logger.Warn("restore board view failed", zap.String("user_id", userID), zap.Error(err))
		}
		return view
	}
	s.viewMu.Unlock()
	return view
}

func (s *Service) dropView(userID string) {
	s.viewMu.Lock()
	view, ok := s.views[userID]
	delete(s.views, userID)
	s.viewMu.Unlock()
	if ok {
		view.Close()
	}
}

func (s *Service) SelectBoard(ctx context.Context, sess Session, boardID string) (boardview.Snapshot, error) {
	view := s.viewFor(ctx, sess.UserID)
	if boardID == "" {
		if err := view.ClearSelection(); err != nil {
			return boardview.Snapshot{}, err
		}
		return view.Snapshot(), nil
	}
	if _, _, err := s.boardRole(ctx, sess.UserID, boardID); err != nil {
		return boardview.Snapshot{}, err
	}
	if err := view.SelectBoard(ctx, boardID); err != nil {
		return boardview.Snapshot{}, err
	}
	return view.Snapshot(), nil
}

// BoardView returns the caller's current snapshot. The restored board id
// comes from preferences, so access is re-checked here; a caller who lost
// workspace membership gets an empty selection, not stale board data.
func (s *Service) BoardView(ctx context.Context, sess Session) boardview.Snapshot {
	view := s.viewFor(ctx, sess.UserID)
	snap := view.Snapshot()
	if snap.BoardID == "" {
		return snap
	}
	_, _, err := s.boardRole(ctx, sess.UserID, snap.BoardID)
	var domainErr *DomainError
	if errors.As(err, &domainErr) && domainErr.Code == CodeForbidden {
		// A vanished board stays visible as missing; only lost access clears.
		if clearErr := view.ClearSelection(); clearErr != nil {
			s.logger.Warn("clear revoked board view failed",
				zap.String("user_id", sess.UserID), zap.Error(clearErr))
		}
		return view.Snapshot()
	}
	return snap
}

// ---- helpers ----

func (s *Service) publish(ctx context.Context, entity realtime.Entity, op realtime.Op, boardID string, payload any) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("encode event payload failed", zap.Error(err))
		return
	}
	event := realtime.Event{Entity: entity, Op: op, BoardID: boardID, Payload: encoded}
	if err := s.bus.Publish(ctx, event); err != nil {
		// Stream delivery is best effort; the write already committed.
		s.logger.Warn("publish event failed",
			zap.String("entity", string(entity)), zap.String("board_id", boardID), zap.Error(err))
	}
}

func emptyIfNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

const teamCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// generateTeamCode returns a 6 character invite code. Ambiguous characters
// are excluded.
func generateTeamCode() string {
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	for i, b := range buf {
		buf[i] = teamCodeAlphabet[int(b)%len(teamCodeAlphabet)]
	}
	return string(buf)
}
