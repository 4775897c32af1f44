package app

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"testing"
	"time"

	"go.uber.org/zap"

	"collabflow/api/internal/authpw"
	"collabflow/api/internal/boardview"
	"collabflow/api/internal/config"
	"collabflow/api/internal/notify"
	"collabflow/api/internal/realtime"
	"collabflow/api/internal/session"
	"collabflow/api/internal/store"
	"collabflow/api/internal/util"
)

type fakeStore struct {
	users      map[string]store.User
	workspaces map[string]store.Workspace
	boards     map[string]store.Board
	boardIDs   []string
	columns    map[string]store.Column
	tasks      map[string]store.Task
	messages   []store.Message

	failDeleteColumn bool
	failCreateTask   bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:      make(map[string]store.User),
		workspaces: make(map[string]store.Workspace),
		boards:     make(map[string]store.Board),
		columns:    make(map[string]store.Column),
		tasks:      make(map[string]store.Task),
	}
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	user, ok := f.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) UpdateProfile(_ context.Context, userID string, patch store.ProfilePatch) error {
	user, ok := f.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	if patch.DisplayName != nil {
		user.DisplayName = *patch.DisplayName
	}
	if patch.PhotoURL != nil {
		user.PhotoURL = *patch.PhotoURL
	}
	if patch.Settings != nil {
		user.Settings = *patch.Settings
	}
	f.users[userID] = user
	return nil
}

func (f *fakeStore) TouchLastActive(_ context.Context, userID string) error {
	user, ok := f.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.LastActive = time.Now()
	f.users[userID] = user
	return nil
}

func (f *fakeStore) LinkWorkspace(_ context.Context, userID, workspaceID string) error {
	user, ok := f.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.Workspaces = append(user.Workspaces, workspaceID)
	f.users[userID] = user
	return nil
}

func (f *fakeStore) CreateWorkspace(_ context.Context, ws store.Workspace) error {
	f.workspaces[ws.ID] = ws
	return nil
}

func (f *fakeStore) GetWorkspace(_ context.Context, id string) (store.Workspace, error) {
	ws, ok := f.workspaces[id]
	if !ok {
		return store.Workspace{}, sql.ErrNoRows
	}
	return ws, nil
}

func (f *fakeStore) GetWorkspaceByCode(_ context.Context, code string) (store.Workspace, error) {
	for _, ws := range f.workspaces {
		if ws.TeamCode == code {
			return ws, nil
		}
	}
	return store.Workspace{}, sql.ErrNoRows
}

func (f *fakeStore) AppendMember(_ context.Context, workspaceID string, member store.WorkspaceMember) error {
	ws, ok := f.workspaces[workspaceID]
	if !ok {
		return sql.ErrNoRows
	}
	ws.Members = append(ws.Members, member)
	f.workspaces[workspaceID] = ws
	return nil
}

func (f *fakeStore) CreateBoard(_ context.Context, board store.Board) error {
	f.boards[board.ID] = board
	f.boardIDs = append(f.boardIDs, board.ID)
	return nil
}

func (f *fakeStore) GetBoard(_ context.Context, id string) (store.Board, error) {
	board, ok := f.boards[id]
	if !ok {
		return store.Board{}, sql.ErrNoRows
	}
	return board, nil
}

func (f *fakeStore) ListBoardsByWorkspace(_ context.Context, workspaceID string) ([]store.Board, error) {
	var out []store.Board
	for _, id := range f.boardIDs {
		if board, ok := f.boards[id]; ok && board.WorkspaceID == workspaceID {
			out = append(out, board)
		}
	}
	return out, nil
}

func (f *fakeStore) SetBoardColumns(_ context.Context, boardID string, columns []string) error {
	board, ok := f.boards[boardID]
	if !ok {
		return sql.ErrNoRows
	}
	board.Columns = columns
	f.boards[boardID] = board
	return nil
}

func (f *fakeStore) DeleteBoardCascade(_ context.Context, boardID string) error {
	delete(f.boards, boardID)
	for id, column := range f.columns {
		if column.BoardID == boardID {
			delete(f.columns, id)
		}
	}
	for id, task := range f.tasks {
		if task.BoardID == boardID {
			delete(f.tasks, id)
		}
	}
	return nil
}

func (f *fakeStore) CreateColumn(_ context.Context, column store.Column) error {
	f.columns[column.ID] = column
	return nil
}

func (f *fakeStore) GetColumn(_ context.Context, id string) (store.Column, error) {
	column, ok := f.columns[id]
	if !ok {
		return store.Column{}, sql.ErrNoRows
	}
	return column, nil
}

func (f *fakeStore) ListColumnsByBoard(_ context.Context, boardID string) ([]store.Column, error) {
	var out []store.Column
	for _, column := range f.columns {
		if column.BoardID == boardID {
			out = append(out, column)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (f *fakeStore) CountColumns(_ context.Context, boardID string) (int, error) {
	count := 0
	for _, column := range f.columns {
		if column.BoardID == boardID {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) UpdateColumn(_ context.Context, column store.Column) error {
	if _, ok := f.columns[column.ID]; !ok {
		return sql.ErrNoRows
	}
	f.columns[column.ID] = column
	return nil
}

func (f *fakeStore) DeleteColumnCascade(_ context.Context, boardID, columnID string) error {
	if f.failDeleteColumn {
		return errors.New("transaction aborted")
	}
	delete(f.columns, columnID)
	for id, task := range f.tasks {
		if task.ColumnID == columnID {
			delete(f.tasks, id)
		}
	}
	board := f.boards[boardID]
	kept := board.Columns[:0]
	for _, id := range board.Columns {
		if id != columnID {
			kept = append(kept, id)
		}
	}
	board.Columns = kept
	f.boards[boardID] = board
	return nil
}

func (f *fakeStore) CreateTask(_ context.Context, task store.Task) error {
	if f.failCreateTask {
		return errors.New("insert failed")
	}
	f.tasks[task.ID] = task
	return nil
}

func (f *fakeStore) GetTask(_ context.Context, id string) (store.Task, error) {
	task, ok := f.tasks[id]
	if !ok {
		return store.Task{}, sql.ErrNoRows
	}
	return task, nil
}

func (f *fakeStore) ListTasksByBoard(_ context.Context, boardID string) ([]store.Task, error) {
	var out []store.Task
	for _, task := range f.tasks {
		if task.BoardID == boardID {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (f *fakeStore) CountTasksInColumn(_ context.Context, columnID string) (int, error) {
	count := 0
	for _, task := range f.tasks {
		if task.ColumnID == columnID {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) SaveTask(_ context.Context, task store.Task) error {
	task.UpdatedAt = time.Now()
	f.tasks[task.ID] = task
	return nil
}

func (f *fakeStore) DeleteTask(_ context.Context, id string) error {
	delete(f.tasks, id)
	return nil
}

func (f *fakeStore) MoveTask(_ context.Context, taskID, toColumnID string, order int) error {
	task, ok := f.tasks[taskID]
	if !ok {
		return sql.ErrNoRows
	}
	task.ColumnID = toColumnID
	task.Order = order
	f.tasks[taskID] = task
	return nil
}

func (f *fakeStore) InsertMessage(_ context.Context, msg store.Message) error {
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeStore) ListMessages(_ context.Context, boardID string, limit int) ([]store.Message, error) {
	var out []store.Message
	for _, msg := range f.messages {
		if msg.BoardID == boardID {
			out = append(out, msg)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeStore) ReconcileColumnRefs(_ context.Context, boardID string) (store.RepairReport, error) {
	board, ok := f.boards[boardID]
	if !ok {
		return store.RepairReport{}, sql.ErrNoRows
	}
	actual, _ := f.ListColumnsByBoard(context.Background(), boardID)
	actualIDs := make(map[string]bool, len(actual))
	ordered := make([]string, 0, len(actual))
	for _, column := range actual {
		actualIDs[column.ID] = true
		ordered = append(ordered, column.ID)
	}
	listed := make(map[string]bool, len(board.Columns))
	var report store.RepairReport
	for _, id := range board.Columns {
		listed[id] = true
		if !actualIDs[id] {
			report.RemovedFromBoardList = append(report.RemovedFromBoardList, id)
		}
	}
	for _, id := range ordered {
		if !listed[id] {
			report.AddedToBoardList = append(report.AddedToBoardList, id)
		}
	}
	if !report.Clean() {
		board.Columns = ordered
		f.boards[boardID] = board
	}
	return report, nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

type fakeSessions struct {
	data map[string]session.TokenData
}

func (f *fakeSessions) SaveRefreshSession(_ context.Context, hash string, data session.TokenData, _ time.Time) error {
	f.data[hash] = data
	return nil
}

func (f *fakeSessions) LookupRefreshSession(_ context.Context, hash string) (session.TokenData, error) {
	data, ok := f.data[hash]
	if !ok {
		return session.TokenData{}, errors.New("session not found")
	}
	return data, nil
}

func (f *fakeSessions) RevokeRefreshSession(_ context.Context, hash string) error {
	delete(f.data, hash)
	return nil
}

type fakeIdentity struct {
	store     *fakeStore
	passwords map[string]string
	emailToID map[string]string
	created   int
}

func (f *fakeIdentity) SignUp(_ context.Context, req authpw.SignUpRequest) (*authpw.SignUpResponse, error) {
	if _, ok := f.emailToID[req.Email]; ok {
		return nil, errors.New("email already registered")
	}
	if len(req.Password) < 8 {
		return nil, errors.New("password must be at least 8 characters")
	}
	user := store.User{
		ID:          util.NewID("user"),
		DisplayName: req.DisplayName,
		Email:       req.Email,
		PhotoURL:    req.PhotoURL,
		Settings:    store.DefaultUserSettings(),
	}
	f.store.users[user.ID] = user
	f.emailToID[req.Email] = user.ID
	f.passwords[req.Email] = req.Password
	f.created++
	return &authpw.SignUpResponse{UserID: user.ID, VerificationToken: "verify-token", RequiresEmailVerify: true}, nil
}

func (f *fakeIdentity) SignIn(_ context.Context, req authpw.SignInRequest) (*authpw.SignInResponse, error) {
	id, ok := f.emailToID[req.Email]
	if !ok || f.passwords[req.Email] != req.Password {
		return nil, errors.New("invalid email or password")
	}
	return &authpw.SignInResponse{User: f.store.users[id]}, nil
}

func (f *fakeIdentity) VerifyEmail(context.Context, string) error { return nil }

func (f *fakeIdentity) RequestPasswordReset(context.Context, string) (string, error) {
	return "", nil
}

func (f *fakeIdentity) ResetPassword(context.Context, authpw.ResetPasswordRequest) error {
	return nil
}

type memPrefs struct {
	boards map[string]string
}

func (p *memPrefs) LastBoard(userID string) string { return p.boards[userID] }

func (p *memPrefs) SetLastBoard(userID, boardID string) error {
	if boardID == "" {
		delete(p.boards, userID)
		return nil
	}
	p.boards[userID] = boardID
	return nil
}

type testEnv struct {
	service  *Service
	store    *fakeStore
	identity *fakeIdentity
	notices  *notify.Recorder
	bus      *realtime.MemoryBus
}

func newTestEnv() *testEnv {
	fs := newFakeStore()
	identity := &fakeIdentity{
		store:     fs,
		passwords: make(map[string]string),
		emailToID: make(map[string]string),
	}
	notices := notify.NewRecorder()
	bus := realtime.NewMemoryBus()
	svc := &Service{
		cfg: config.Config{
			JWTSecret:  "test-secret",
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 24 * time.Hour,
		},
		store:    fs,
		sessions: &fakeSessions{data: make(map[string]session.TokenData)},
		identity: identity,
		bus:      bus,
		notifier: notices,
		prefs:    &memPrefs{boards: make(map[string]string)},
		logger:   zap.NewNop(),
		views:    make(map[string]*boardview.Store),
	}
	return &testEnv{service: svc, store: fs, identity: identity, notices: notices, bus: bus}
}

// seedWorkspace creates a workspace with one admin and one member plus a board
// with two columns.
func (e *testEnv) seedWorkspace(t *testing.T) (adminSess, memberSess Session, boardID string, columnIDs []string) {
	t.Helper()
	ctx := context.Background()

	admin := store.User{ID: "user_admin", DisplayName: "Ada", Email: "ada@example.com"}
	member := store.User{ID: "user_member", DisplayName: "Mel", Email: "mel@example.com"}
	e.store.users[admin.ID] = admin
	e.store.users[member.ID] = member

	ws := store.Workspace{
		ID:       "ws_1",
		Name:     "Team",
		OwnerID:  admin.ID,
		TeamCode: "CODE42",
		Members: []store.WorkspaceMember{
			{UserID: admin.ID, Role: "admin", JoinedAt: time.Now()},
			{UserID: member.ID, Role: "member", JoinedAt: time.Now()},
		},
	}
	e.store.workspaces[ws.ID] = ws
	if err := e.store.LinkWorkspace(ctx, admin.ID, ws.ID); err != nil {
		t.Fatalf("link admin: %v", err)
	}
	if err := e.store.LinkWorkspace(ctx, member.ID, ws.ID); err != nil {
		t.Fatalf("link member: %v", err)
	}

	board := store.Board{ID: "board_1", WorkspaceID: ws.ID, Name: "Sprint", Columns: []string{"col_todo", "col_done"}, CreatedBy: admin.ID}
	e.store.boards[board.ID] = board
	e.store.boardIDs = append(e.store.boardIDs, board.ID)
	e.store.columns["col_todo"] = store.Column{ID: "col_todo", BoardID: board.ID, Name: "To Do", Order: 0}
	e.store.columns["col_done"] = store.Column{ID: "col_done", BoardID: board.ID, Name: "Done", Order: 1}

	adminSess = Session{UserID: admin.ID, UserName: admin.DisplayName, Role: "admin"}
	memberSess = Session{UserID: member.ID, UserName: member.DisplayName, Role: "member"}
	return adminSess, memberSess, board.ID, []string{"col_todo", "col_done"}
}

func domainStatus(t *testing.T, err error) int {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	return domainErr.Status
}

func TestSignUpInvalidTeamCodeCreatesNoAccount(t *testing.T) {
	env := newTestEnv()

	_, err := env.service.SignUp(context.Background(), SignUpInput{
		Email:       "new@example.com",
		Password:    "longenough",
		DisplayName: "New",
		Role:        "member",
		TeamCode:    "NOPE99",
	})
	if status := domainStatus(t, err); status != 404 {
		t.Fatalf("expected 404, got %d", status)
	}
	if env.identity.created != 0 {
		t.Fatalf("identity was created despite bad team code")
	}
}

func TestSignUpAdminCreatesWorkspace(t *testing.T) {
	env := newTestEnv()

	sess, err := env.service.SignUp(context.Background(), SignUpInput{
		Email:         "boss@example.com",
		Password:      "longenough",
		DisplayName:   "Boss",
		Role:          "admin",
		TeamCode:      "acme01",
		WorkspaceName: "Acme",
	})
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if sess.Role != "admin" {
		t.Errorf("role = %q, want admin", sess.Role)
	}
	if !sess.RequiresVerify {
		t.Errorf("expected RequiresVerify")
	}
	if sess.Token == "" || sess.RefreshToken == "" {
		t.Errorf("missing tokens")
	}

	if len(env.store.workspaces) != 1 {
		t.Fatalf("workspaces = %d, want 1", len(env.store.workspaces))
	}
	for _, ws := range env.store.workspaces {
		if ws.Name != "Acme" {
			t.Errorf("workspace name = %q", ws.Name)
		}
		if ws.TeamCode != "ACME01" {
			t.Errorf("team code = %q, want ACME01", ws.TeamCode)
		}
		if len(ws.Members) != 1 || ws.Members[0].Role != "admin" {
			t.Errorf("members = %+v", ws.Members)
		}
	}

	user := env.store.users[sess.UserID]
	if len(user.Workspaces) != 1 {
		t.Errorf("user workspaces = %v", user.Workspaces)
	}
}

func TestSignUpAdminRequiresCodeAndName(t *testing.T) {
	env := newTestEnv()

	tests := []struct {
		name  string
		input SignUpInput
	}{
		{"missing team code", SignUpInput{
			Email: "boss@example.com", Password: "longenough", DisplayName: "Boss",
			Role: "admin", WorkspaceName: "Acme",
		}},
		{"missing workspace name", SignUpInput{
			Email: "boss@example.com", Password: "longenough", DisplayName: "Boss",
			Role: "admin", TeamCode: "ACME01",
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.service.SignUp(context.Background(), tc.input)
			if status := domainStatus(t, err); status != 422 {
				t.Fatalf("expected 422, got %d", status)
			}
		})
	}
	if env.identity.created != 0 {
		t.Fatalf("identity was created despite invalid input")
	}
}

func TestSignUpAdminDuplicateTeamCodeConflict(t *testing.T) {
	env := newTestEnv()
	env.seedWorkspace(t)

	_, err := env.service.SignUp(context.Background(), SignUpInput{
		Email:         "boss@example.com",
		Password:      "longenough",
		DisplayName:   "Boss",
		Role:          "admin",
		TeamCode:      "code42",
		WorkspaceName: "Clone",
	})
	if status := domainStatus(t, err); status != 409 {
		t.Fatalf("expected 409, got %d", status)
	}
	if env.identity.created != 0 {
		t.Fatalf("identity was created despite duplicate team code")
	}
	if len(env.store.workspaces) != 1 {
		t.Fatalf("workspaces = %d, want 1", len(env.store.workspaces))
	}
}

func TestSignUpEmployeeAliasJoinsAsMember(t *testing.T) {
	env := newTestEnv()
	env.seedWorkspace(t)

	sess, err := env.service.SignUp(context.Background(), SignUpInput{
		Email:       "new@example.com",
		Password:    "longenough",
		DisplayName: "New",
		Role:        "employee",
		TeamCode:    "code42",
	})
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if sess.Role != "member" {
		t.Errorf("role = %q, want member", sess.Role)
	}

	ws := env.store.workspaces["ws_1"]
	if len(ws.Members) != 3 {
		t.Fatalf("members = %d, want 3", len(ws.Members))
	}
	if ws.Members[2].Role != "member" {
		t.Errorf("joined role = %q", ws.Members[2].Role)
	}
}

func TestSignInWrongPassword(t *testing.T) {
	env := newTestEnv()
	if _, err := env.service.SignUp(context.Background(), SignUpInput{
		Email: "a@example.com", Password: "longenough", DisplayName: "A",
		Role: "admin", TeamCode: "TEAM77", WorkspaceName: "Team 77",
	}); err != nil {
		t.Fatalf("sign up: %v", err)
	}

	_, err := env.service.SignIn(context.Background(), "a@example.com", "wrong-password")
	if status := domainStatus(t, err); status != 401 {
		t.Fatalf("expected 401, got %d", status)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	env := newTestEnv()
	sess, err := env.service.SignUp(context.Background(), SignUpInput{
		Email: "a@example.com", Password: "longenough", DisplayName: "A",
		Role: "admin", TeamCode: "TEAM77", WorkspaceName: "Team 77",
	})
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}

	next, err := env.service.Refresh(context.Background(), sess.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if next.RefreshToken == sess.RefreshToken {
		t.Errorf("refresh token was not rotated")
	}

	if _, err := env.service.Refresh(context.Background(), sess.RefreshToken); err == nil {
		t.Fatalf("old refresh token still valid after rotation")
	}
}

func TestCreateColumnAssignsDenseOrders(t *testing.T) {
	env := newTestEnv()
	adminSess, _, boardID, _ := env.seedWorkspace(t)

	first, err := env.service.CreateColumn(context.Background(), adminSess, boardID, CreateColumnInput{Name: "Review"})
	if err != nil {
		t.Fatalf("create column: %v", err)
	}
	second, err := env.service.CreateColumn(context.Background(), adminSess, boardID, CreateColumnInput{})
	if err != nil {
		t.Fatalf("create column: %v", err)
	}

	if first.Order != 2 || second.Order != 3 {
		t.Errorf("orders = %d, %d, want 2, 3", first.Order, second.Order)
	}
	if second.Name != "New Column" {
		t.Errorf("default name = %q", second.Name)
	}

	board := env.store.boards[boardID]
	want := []string{"col_todo", "col_done", first.ID, second.ID}
	if len(board.Columns) != len(want) {
		t.Fatalf("board columns = %v, want %v", board.Columns, want)
	}
	for i := range want {
		if board.Columns[i] != want[i] {
			t.Errorf("board.Columns[%d] = %q, want %q", i, board.Columns[i], want[i])
		}
	}
}

func TestMemberCannotCreateColumn(t *testing.T) {
	env := newTestEnv()
	_, memberSess, boardID, _ := env.seedWorkspace(t)

	_, err := env.service.CreateColumn(context.Background(), memberSess, boardID, CreateColumnInput{Name: "Nope"})
	if status := domainStatus(t, err); status != 403 {
		t.Fatalf("expected 403, got %d", status)
	}
	if len(env.store.columns) != 2 {
		t.Errorf("column count changed: %d", len(env.store.columns))
	}

	notices := env.notices.Notices()
	if len(notices) != 1 || notices[0].Level != "error" {
		t.Fatalf("notices = %+v, want one failure", notices)
	}
}

func TestDeleteColumnFailureLeavesStoreUntouched(t *testing.T) {
	env := newTestEnv()
	adminSess, _, boardID, columnIDs := env.seedWorkspace(t)
	env.store.failDeleteColumn = true

	err := env.service.DeleteColumn(context.Background(), adminSess, boardID, columnIDs[0])
	if err == nil {
		t.Fatalf("expected error")
	}
	if _, ok := env.store.columns[columnIDs[0]]; !ok {
		t.Errorf("column removed despite failed transaction")
	}
	if got := len(env.store.boards[boardID].Columns); got != 2 {
		t.Errorf("board column list = %d entries, want 2", got)
	}

	notices := env.notices.Notices()
	if len(notices) != 1 || notices[0].Level != "error" {
		t.Fatalf("notices = %+v, want one failure", notices)
	}
}

func TestCreateTaskDefaults(t *testing.T) {
	env := newTestEnv()
	adminSess, _, boardID, columnIDs := env.seedWorkspace(t)

	existing := store.Task{ID: "task_0", BoardID: boardID, ColumnID: columnIDs[0], Title: "first", Order: 0}
	env.store.tasks[existing.ID] = existing

	task, err := env.service.CreateTask(context.Background(), adminSess, boardID, CreateTaskInput{ColumnID: columnIDs[0]})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.Title != "Untitled Task" {
		t.Errorf("title = %q", task.Title)
	}
	if task.Priority != "medium" {
		t.Errorf("priority = %q", task.Priority)
	}
	if task.Order != 1 {
		t.Errorf("order = %d, want 1", task.Order)
	}
	if task.AssignedTo == nil || task.Tags == nil || task.Checklist == nil || task.Attachments == nil {
		t.Errorf("slice fields must be empty, not nil: %+v", task)
	}
}

func TestCreateTaskRejectsBadPriority(t *testing.T) {
	env := newTestEnv()
	adminSess, _, boardID, columnIDs := env.seedWorkspace(t)

	_, err := env.service.CreateTask(context.Background(), adminSess, boardID, CreateTaskInput{
		ColumnID: columnIDs[0],
		Priority: "urgent",
	})
	if status := domainStatus(t, err); status != 422 {
		t.Fatalf("expected 422, got %d", status)
	}
}

func TestUpdateTaskMergesFields(t *testing.T) {
	env := newTestEnv()
	_, memberSess, boardID, columnIDs := env.seedWorkspace(t)

	due := time.Now().Add(24 * time.Hour)
	env.store.tasks["task_1"] = store.Task{
		ID: "task_1", BoardID: boardID, ColumnID: columnIDs[0],
		Title: "original", Description: "keep me", Priority: "low", DueDate: &due,
		AssignedTo: []string{}, Tags: []string{"a"},
	}

	title := "renamed"
	priority := "high"
	task, err := env.service.UpdateTask(context.Background(), memberSess, "task_1", UpdateTaskInput{
		Title:    &title,
		Priority: &priority,
	})
	if err != nil {
		t.Fatalf("update task: %v", err)
	}
	if task.Title != "renamed" || task.Priority != "high" {
		t.Errorf("merge wrong: %+v", task)
	}
	if task.Description != "keep me" || len(task.Tags) != 1 {
		t.Errorf("untouched fields changed: %+v", task)
	}
	if task.DueDate == nil {
		t.Errorf("due date cleared without ClearDue")
	}

	task, err = env.service.UpdateTask(context.Background(), memberSess, "task_1", UpdateTaskInput{ClearDue: true})
	if err != nil {
		t.Fatalf("clear due: %v", err)
	}
	if task.DueDate != nil {
		t.Errorf("due date not cleared")
	}
}

func TestMoveTaskRejectsForeignColumn(t *testing.T) {
	env := newTestEnv()
	adminSess, _, boardID, columnIDs := env.seedWorkspace(t)

	otherBoard := store.Board{ID: "board_2", WorkspaceID: "ws_1", Name: "Other", Columns: []string{"col_other"}}
	env.store.boards[otherBoard.ID] = otherBoard
	env.store.boardIDs = append(env.store.boardIDs, otherBoard.ID)
	env.store.columns["col_other"] = store.Column{ID: "col_other", BoardID: otherBoard.ID, Name: "Elsewhere"}

	env.store.tasks["task_1"] = store.Task{ID: "task_1", BoardID: boardID, ColumnID: columnIDs[0], Title: "t"}

	_, err := env.service.MoveTask(context.Background(), adminSess, "task_1", "col_other", 0)
	if status := domainStatus(t, err); status != 422 {
		t.Fatalf("expected 422, got %d", status)
	}
	if env.store.tasks["task_1"].ColumnID != columnIDs[0] {
		t.Errorf("task moved despite rejection")
	}
}

func TestMoveTaskSingleWrite(t *testing.T) {
	env := newTestEnv()
	_, memberSess, boardID, columnIDs := env.seedWorkspace(t)

	env.store.tasks["task_1"] = store.Task{ID: "task_1", BoardID: boardID, ColumnID: columnIDs[0], Title: "t", Order: 0}

	task, err := env.service.MoveTask(context.Background(), memberSess, "task_1", columnIDs[1], 5)
	if err != nil {
		t.Fatalf("move task: %v", err)
	}
	if task.ColumnID != columnIDs[1] || task.Order != 5 {
		t.Errorf("move result = %+v", task)
	}

	events := env.bus.Published()
	last := events[len(events)-1]
	if last.Entity != realtime.EntityTask || last.Op != realtime.OpMoved {
		t.Errorf("event = %s/%s, want task/moved", last.Entity, last.Op)
	}
}

func TestToggleChecklistItem(t *testing.T) {
	env := newTestEnv()
	_, memberSess, boardID, columnIDs := env.seedWorkspace(t)

	env.store.tasks["task_1"] = store.Task{
		ID: "task_1", BoardID: boardID, ColumnID: columnIDs[0], Title: "t",
		Checklist: []store.ChecklistItem{{ID: "item_1", Text: "step", Completed: false}},
	}

	task, err := env.service.ToggleChecklistItem(context.Background(), memberSess, "task_1", "item_1")
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if !task.Checklist[0].Completed {
		t.Errorf("item not toggled")
	}

	_, err = env.service.ToggleChecklistItem(context.Background(), memberSess, "task_1", "item_missing")
	if status := domainStatus(t, err); status != 404 {
		t.Fatalf("expected 404, got %d", status)
	}
}

func TestSendMessageDenormalizesSender(t *testing.T) {
	env := newTestEnv()
	_, memberSess, boardID, _ := env.seedWorkspace(t)

	user := env.store.users[memberSess.UserID]
	user.PhotoURL = "https://example.com/mel.png"
	env.store.users[user.ID] = user

	msg, err := env.service.SendMessage(context.Background(), memberSess, boardID, "  hello  ")
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if msg.Text != "hello" {
		t.Errorf("text = %q", msg.Text)
	}
	if msg.UserName != "Mel" || msg.PhotoURL != "https://example.com/mel.png" {
		t.Errorf("sender not denormalized: %+v", msg)
	}

	// The message event is the user feedback; no separate success notice.
	if notices := env.notices.Notices(); len(notices) != 0 {
		t.Errorf("notices = %+v, want none", notices)
	}

	events := env.bus.Published()
	if len(events) != 1 || events[0].Entity != realtime.EntityMessage {
		t.Fatalf("events = %+v, want one message event", events)
	}
}

func TestSendMessageRejectsBlank(t *testing.T) {
	env := newTestEnv()
	_, memberSess, boardID, _ := env.seedWorkspace(t)

	_, err := env.service.SendMessage(context.Background(), memberSess, boardID, "   ")
	if status := domainStatus(t, err); status != 422 {
		t.Fatalf("expected 422, got %d", status)
	}
}

func TestBoardStatsAdminOnly(t *testing.T) {
	env := newTestEnv()
	adminSess, memberSess, boardID, columnIDs := env.seedWorkspace(t)

	past := time.Now().Add(-48 * time.Hour)
	future := time.Now().Add(48 * time.Hour)
	env.store.tasks["t1"] = store.Task{ID: "t1", BoardID: boardID, ColumnID: columnIDs[0], Priority: "high", DueDate: &past}
	env.store.tasks["t2"] = store.Task{ID: "t2", BoardID: boardID, ColumnID: columnIDs[1], Priority: "low", DueDate: &past}
	env.store.tasks["t3"] = store.Task{ID: "t3", BoardID: boardID, ColumnID: columnIDs[0], Priority: "medium", DueDate: &future, IsCompleted: true}

	if _, err := env.service.BoardStats(context.Background(), memberSess, boardID); err == nil {
		t.Fatalf("member allowed to read stats")
	}

	stats, err := env.service.BoardStats(context.Background(), adminSess, boardID)
	if err != nil {
		t.Fatalf("board stats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("total = %d", stats.Total)
	}
	// t2 sits in the Done column, t3 carries the completed flag.
	if stats.Completed != 2 {
		t.Errorf("completed = %d, want 2", stats.Completed)
	}
	// t2 is past due but done; only t1 counts.
	if stats.Overdue != 1 {
		t.Errorf("overdue = %d, want 1", stats.Overdue)
	}
	if stats.HighPriority != 1 {
		t.Errorf("high priority = %d", stats.HighPriority)
	}
}

func TestRepairBoardHealsColumnList(t *testing.T) {
	env := newTestEnv()
	adminSess, _, boardID, _ := env.seedWorkspace(t)

	board := env.store.boards[boardID]
	board.Columns = []string{"col_todo", "col_ghost"}
	env.store.boards[boardID] = board

	report, err := env.service.RepairBoard(context.Background(), adminSess, boardID)
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if len(report.AddedToBoardList) != 1 || report.AddedToBoardList[0] != "col_done" {
		t.Errorf("added = %v", report.AddedToBoardList)
	}
	if len(report.RemovedFromBoardList) != 1 || report.RemovedFromBoardList[0] != "col_ghost" {
		t.Errorf("removed = %v", report.RemovedFromBoardList)
	}

	healed := env.store.boards[boardID].Columns
	if len(healed) != 2 || healed[0] != "col_todo" || healed[1] != "col_done" {
		t.Errorf("healed columns = %v", healed)
	}
}

func TestDeleteBoardCascades(t *testing.T) {
	env := newTestEnv()
	adminSess, _, boardID, columnIDs := env.seedWorkspace(t)
	env.store.tasks["task_1"] = store.Task{ID: "task_1", BoardID: boardID, ColumnID: columnIDs[0]}
	env.store.messages = append(env.store.messages, store.Message{ID: "msg_1", BoardID: boardID})

	if err := env.service.DeleteBoard(context.Background(), adminSess, boardID); err != nil {
		t.Fatalf("delete board: %v", err)
	}
	if len(env.store.columns) != 0 || len(env.store.tasks) != 0 {
		t.Errorf("cascade incomplete: %d columns, %d tasks", len(env.store.columns), len(env.store.tasks))
	}

	events := env.bus.Published()
	var deleted bool
	for _, event := range events {
		if event.Entity == realtime.EntityBoard && event.Op == realtime.OpDeleted {
			deleted = true
		}
	}
	if !deleted {
		t.Errorf("no board deleted event published")
	}
}

func TestJoinWorkspaceIdempotent(t *testing.T) {
	env := newTestEnv()
	_, memberSess, _, _ := env.seedWorkspace(t)

	ws, err := env.service.JoinWorkspace(context.Background(), memberSess, "code42")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if len(ws.Members) != 2 {
		t.Errorf("rejoin duplicated membership: %+v", ws.Members)
	}
}

func TestOutsiderCannotReadBoard(t *testing.T) {
	env := newTestEnv()
	_, _, boardID, _ := env.seedWorkspace(t)

	env.store.users["user_out"] = store.User{ID: "user_out", DisplayName: "Out"}
	outsider := Session{UserID: "user_out", Role: "member"}

	_, _, _, err := env.service.GetBoardDetail(context.Background(), outsider, boardID)
	if status := domainStatus(t, err); status != 403 {
		t.Fatalf("expected 403, got %d", status)
	}
}

func TestBoardViewClearedAfterAccessRevoked(t *testing.T) {
	env := newTestEnv()
	_, memberSess, boardID, _ := env.seedWorkspace(t)
	ctx := context.Background()

	snap, err := env.service.SelectBoard(ctx, memberSess, boardID)
	if err != nil {
		t.Fatalf("select board: %v", err)
	}
	if snap.State != boardview.StateLoaded {
		t.Fatalf("expected loaded view, got %q", snap.State)
	}

	ws := env.store.workspaces["ws_1"]
	ws.Members = []store.WorkspaceMember{ws.Members[0]}
	env.store.workspaces["ws_1"] = ws

	snap = env.service.BoardView(ctx, memberSess)
	if snap.State != boardview.StateNone {
		t.Fatalf("expected cleared view after revocation, got %q", snap.State)
	}
	if snap.BoardID != "" || snap.Board.ID != "" || len(snap.Columns) != 0 || len(snap.Tasks) != 0 {
		t.Errorf("board data survived revocation: %+v", snap)
	}
}

func TestBoardViewKeepsMissingStateForDeletedBoard(t *testing.T) {
	env := newTestEnv()
	adminSess, _, boardID, _ := env.seedWorkspace(t)
	ctx := context.Background()

	if _, err := env.service.SelectBoard(ctx, adminSess, boardID); err != nil {
		t.Fatalf("select board: %v", err)
	}

	delete(env.store.boards, boardID)

	snap := env.service.BoardView(ctx, adminSess)
	if snap.State == boardview.StateNone {
		t.Fatalf("deleted board must stay selected, got %q", snap.State)
	}
	if snap.BoardID != boardID {
		t.Errorf("selection lost for deleted board: %q", snap.BoardID)
	}
}
