package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ── Users / profiles ──

const userColumns = `id, display_name, email, photo_url, password_hash, workspaces, settings,
	last_active, is_email_verified, verification_token, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var user User
	var workspaces, settings []byte
	err := row.Scan(&user.ID, &user.DisplayName, &user.Email, &user.PhotoURL, &user.PasswordHash,
		&workspaces, &settings, &user.LastActive, &user.IsEmailVerified, &user.VerificationToken,
		&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	if err := json.Unmarshal(workspaces, &user.Workspaces); err != nil {
		return User{}, fmt.Errorf("decode workspaces: %w", err)
	}
	if len(settings) > 0 && string(settings) != "{}" {
		if err := json.Unmarshal(settings, &user.Settings); err != nil {
			return User{}, fmt.Errorf("decode settings: %w", err)
		}
	} else {
		user.Settings = DefaultUserSettings()
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=$1`, email)
	return scanUser(row)
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id)
	return scanUser(row)
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	workspaces, err := json.Marshal(emptyIfNil(user.Workspaces))
	if err != nil {
		return fmt.Errorf("encode workspaces: %w", err)
	}
	settings, err := json.Marshal(user.Settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, photo_url, password_hash, workspaces, settings,
			last_active, is_email_verified, verification_token)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), $8, $9)
	`, user.ID, user.DisplayName, user.Email, user.PhotoURL, user.PasswordHash,
		workspaces, settings, user.IsEmailVerified, user.VerificationToken)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// ProfilePatch is a partial profile update. Nil fields are left untouched.
type ProfilePatch struct {
	DisplayName *string
	PhotoURL    *string
	Settings    *UserSettings
}

func (s *PostgresStore) UpdateProfile(ctx context.Context, userID string, patch ProfilePatch) error {
	user, err := s.GetUserByID(ctx, userID)
	if err != nil {
		return err
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
	settings, err := json.Marshal(user.Settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE users SET display_name=$2, photo_url=$3, settings=$4, updated_at=NOW() WHERE id=$1
	`, userID, user.DisplayName, user.PhotoURL, settings)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) TouchLastActive(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_active=NOW() WHERE id=$1`, userID)
	if err != nil {
		return fmt.Errorf("touch last active: %w", err)
	}
	return nil
}

func (s *PostgresStore) LinkWorkspace(ctx context.Context, userID, workspaceID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET workspaces = workspaces || to_jsonb($2::text), updated_at=NOW()
		WHERE id=$1 AND NOT workspaces @> to_jsonb($2::text)
	`, userID, workspaceID)
	if err != nil {
		return fmt.Errorf("link workspace: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW() WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("set verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET is_email_verified=TRUE, verification_token='', updated_at=NOW()
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email result: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at) VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark reset used: %w", err)
	}
	return nil
}

// ── Workspaces ──

func scanWorkspace(row interface{ Scan(...any) error }) (Workspace, error) {
	var ws Workspace
	var members, settings []byte
	err := row.Scan(&ws.ID, &ws.Name, &ws.OwnerID, &ws.TeamCode, &members, &settings, &ws.CreatedAt)
	if err != nil {
		return Workspace{}, err
	}
	if err := json.Unmarshal(members, &ws.Members); err != nil {
		return Workspace{}, fmt.Errorf("decode members: %w", err)
	}
	if len(settings) > 0 && string(settings) != "{}" {
		if err := json.Unmarshal(settings, &ws.Settings); err != nil {
			return Workspace{}, fmt.Errorf("decode settings: %w", err)
		}
	}
	return ws, nil
}

func (s *PostgresStore) CreateWorkspace(ctx context.Context, ws Workspace) error {
	members, err := json.Marshal(ws.Members)
	if err != nil {
		return fmt.Errorf("encode members: %w", err)
	}
	settings, err := json.Marshal(ws.Settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, owner_id, team_code, members, settings)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ws.ID, ws.Name, ws.OwnerID, ws.TeamCode, members, settings)
	if err != nil {
		return fmt.Errorf("insert workspace: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWorkspace(ctx context.Context, id string) (Workspace, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, owner_id, team_code, members, settings, created_at FROM workspaces WHERE id=$1
	`, id)
	return scanWorkspace(row)
}

func (s *PostgresStore) GetWorkspaceByCode(ctx context.Context, teamCode string) (Workspace, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, owner_id, team_code, members, settings, created_at FROM workspaces WHERE team_code=$1
	`, teamCode)
	return scanWorkspace(row)
}

func (s *PostgresStore) AppendMember(ctx context.Context, workspaceID string, member WorkspaceMember) error {
	encoded, err := json.Marshal(member)
	if err != nil {
		return fmt.Errorf("encode member: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE workspaces SET members = members || $2::jsonb WHERE id=$1
	`, workspaceID, encoded)
	if err != nil {
		return fmt.Errorf("append member: %w", err)
	}
	return nil
}

// ── Boards ──

const boardColumns = `id, workspace_id, name, description, columns, created_by, created_at, updated_at`

func scanBoard(row interface{ Scan(...any) error }) (Board, error) {
	var board Board
	var columns []byte
	err := row.Scan(&board.ID, &board.WorkspaceID, &board.Name, &board.Description, &columns,
		&board.CreatedBy, &board.CreatedAt, &board.UpdatedAt)
	if err != nil {
		return Board{}, err
	}
	if err := json.Unmarshal(columns, &board.Columns); err != nil {
		return Board{}, fmt.Errorf("decode column list: %w", err)
	}
	return board, nil
}

func (s *PostgresStore) CreateBoard(ctx context.Context, board Board) error {
	columns, err := json.Marshal(emptyIfNil(board.Columns))
	if err != nil {
		return fmt.Errorf("encode column list: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO boards (id, workspace_id, name, description, columns, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, board.ID, board.WorkspaceID, board.Name, board.Description, columns, board.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert board: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBoard(ctx context.Context, id string) (Board, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+boardColumns+` FROM boards WHERE id=$1`, id)
	return scanBoard(row)
}

func (s *PostgresStore) ListBoardsByWorkspace(ctx context.Context, workspaceID string) ([]Board, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+boardColumns+` FROM boards WHERE workspace_id=$1 ORDER BY created_at
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list boards: %w", err)
	}
	defer rows.Close()

	var boards []Board
	for rows.Next() {
		board, err := scanBoard(rows)
		if err != nil {
			return nil, err
		}
		boards = append(boards, board)
	}
	return boards, rows.Err()
}

func (s *PostgresStore) SetBoardColumns(ctx context.Context, boardID string, columnIDs []string) error {
	encoded, err := json.Marshal(emptyIfNil(columnIDs))
	if err != nil {
		return fmt.Errorf("encode column list: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE boards SET columns=$2, updated_at=NOW() WHERE id=$1
	`, boardID, encoded)
	if err != nil {
		return fmt.Errorf("set board columns: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set board columns result: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteBoardCascade removes the board and every column and task referencing
// it in one transaction.
func (s *PostgresStore) DeleteBoardCascade(ctx context.Context, boardID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete board: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE board_id=$1`, boardID); err != nil {
		return fmt.Errorf("delete board tasks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM columns WHERE board_id=$1`, boardID); err != nil {
		return fmt.Errorf("delete board columns: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE board_id=$1`, boardID); err != nil {
		return fmt.Errorf("delete board messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM boards WHERE id=$1`, boardID)
	if err != nil {
		return fmt.Errorf("delete board: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete board result: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return tx.Commit()
}

// ── Columns ──

const columnCols = `id, board_id, name, ord, color, task_limit`

func scanColumn(row interface{ Scan(...any) error }) (Column, error) {
	var column Column
	err := row.Scan(&column.ID, &column.BoardID, &column.Name, &column.Order, &column.Color, &column.TaskLimit)
	if err != nil {
		return Column{}, err
	}
	return column, nil
}

func (s *PostgresStore) CreateColumn(ctx context.Context, column Column) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO columns (id, board_id, name, ord, color, task_limit)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, column.ID, column.BoardID, column.Name, column.Order, column.Color, column.TaskLimit)
	if err != nil {
		return fmt.Errorf("insert column: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetColumn(ctx context.Context, id string) (Column, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columnCols+` FROM columns WHERE id=$1`, id)
	return scanColumn(row)
}

func (s *PostgresStore) ListColumnsByBoard(ctx context.Context, boardID string) ([]Column, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+columnCols+` FROM columns WHERE board_id=$1 ORDER BY ord, id
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	defer rows.Close()

	var columns []Column
	for rows.Next() {
		column, err := scanColumn(rows)
		if err != nil {
			return nil, err
		}
		columns = append(columns, column)
	}
	return columns, rows.Err()
}

func (s *PostgresStore) CountColumns(ctx context.Context, boardID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM columns WHERE board_id=$1`, boardID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count columns: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) UpdateColumn(ctx context.Context, column Column) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE columns SET name=$2, ord=$3, color=$4, task_limit=$5 WHERE id=$1
	`, column.ID, column.Name, column.Order, column.Color, column.TaskLimit)
	if err != nil {
		return fmt.Errorf("update column: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update column result: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteColumnCascade deletes every task in the column, the column itself and
// rewrites the board's column-id list without it, atomically.
func (s *PostgresStore) DeleteColumnCascade(ctx context.Context, boardID, columnID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete column: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE column_id=$1`, columnID); err != nil {
		return fmt.Errorf("delete column tasks: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM columns WHERE id=$1`, columnID)
	if err != nil {
		return fmt.Errorf("delete column: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete column result: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}

	board, err := scanBoard(tx.QueryRowContext(ctx, `SELECT `+boardColumns+` FROM boards WHERE id=$1 FOR UPDATE`, boardID))
	if err != nil {
		return fmt.Errorf("load board for column delete: %w", err)
	}
	remaining := make([]string, 0, len(board.Columns))
	for _, id := range board.Columns {
		if id != columnID {
			remaining = append(remaining, id)
		}
	}
	encoded, err := json.Marshal(remaining)
	if err != nil {
		return fmt.Errorf("encode column list: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE boards SET columns=$2, updated_at=NOW() WHERE id=$1`, boardID, encoded); err != nil {
		return fmt.Errorf("rewrite board columns: %w", err)
	}
	return tx.Commit()
}

// ── Tasks ──

const taskCols = `id, board_id, column_id, title, description, assigned_to, priority, due_date,
	tags, created_by, created_at, updated_at, comments, attachments, ord, checklist, is_completed`

func scanTask(row interface{ Scan(...any) error }) (Task, error) {
	var task Task
	var assigned, tags, attachments, checklist []byte
	err := row.Scan(&task.ID, &task.BoardID, &task.ColumnID, &task.Title, &task.Description,
		&assigned, &task.Priority, &task.DueDate, &tags, &task.CreatedBy, &task.CreatedAt,
		&task.UpdatedAt, &task.Comments, &attachments, &task.Order, &checklist, &task.IsCompleted)
	if err != nil {
		return Task{}, err
	}
	if err := json.Unmarshal(assigned, &task.AssignedTo); err != nil {
		return Task{}, fmt.Errorf("decode assignees: %w", err)
	}
	if err := json.Unmarshal(tags, &task.Tags); err != nil {
		return Task{}, fmt.Errorf("decode tags: %w", err)
	}
	if err := json.Unmarshal(attachments, &task.Attachments); err != nil {
		return Task{}, fmt.Errorf("decode attachments: %w", err)
	}
	if err := json.Unmarshal(checklist, &task.Checklist); err != nil {
		return Task{}, fmt.Errorf("decode checklist: %w", err)
	}
	return task, nil
}

func taskJSONFields(task Task) (assigned, tags, attachments, checklist []byte, err error) {
	if assigned, err = json.Marshal(emptyIfNil(task.AssignedTo)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode assignees: %w", err)
	}
	if tags, err = json.Marshal(emptyIfNil(task.Tags)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode tags: %w", err)
	}
	if attachments, err = json.Marshal(emptyAttachments(task.Attachments)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode attachments: %w", err)
	}
	if checklist, err = json.Marshal(emptyChecklist(task.Checklist)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode checklist: %w", err)
	}
	return assigned, tags, attachments, checklist, nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, task Task) error {
	assigned, tags, attachments, checklist, err := taskJSONFields(task)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, board_id, column_id, title, description, assigned_to, priority,
			due_date, tags, created_by, comments, attachments, ord, checklist, is_completed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, task.ID, task.BoardID, task.ColumnID, task.Title, task.Description, assigned, task.Priority,
		task.DueDate, tags, task.CreatedBy, task.Comments, attachments, task.Order, checklist, task.IsCompleted)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=$1`, id)
	return scanTask(row)
}

func (s *PostgresStore) ListTasksByBoard(ctx context.Context, boardID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskCols+` FROM tasks WHERE board_id=$1 ORDER BY ord, created_at, id
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) CountTasksInColumn(ctx context.Context, columnID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE column_id=$1`, columnID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count column tasks: %w", err)
	}
	return count, nil
}

// SaveTask writes the full task row with a fresh update timestamp. There is
// no version check; last write wins under concurrent edits.
func (s *PostgresStore) SaveTask(ctx context.Context, task Task) error {
	assigned, tags, attachments, checklist, err := taskJSONFields(task)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET column_id=$2, title=$3, description=$4, assigned_to=$5, priority=$6,
			due_date=$7, tags=$8, comments=$9, attachments=$10, ord=$11, checklist=$12,
			is_completed=$13, updated_at=NOW()
		WHERE id=$1
	`, task.ID, task.ColumnID, task.Title, task.Description, assigned, task.Priority,
		task.DueDate, tags, task.Comments, attachments, task.Order, checklist, task.IsCompleted)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save task result: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete task result: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MoveTask sets the column reference and display order in one write.
func (s *PostgresStore) MoveTask(ctx context.Context, id, columnID string, order int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET column_id=$2, ord=$3, updated_at=NOW() WHERE id=$1
	`, id, columnID, order)
	if err != nil {
		return fmt.Errorf("move task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("move task result: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ── Chat messages ──

func (s *PostgresStore) InsertMessage(ctx context.Context, msg Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, board_id, user_id, user_name, photo_url, text)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, msg.ID, msg.BoardID, msg.UserID, msg.UserName, msg.PhotoURL, msg.Text)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, boardID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, board_id, user_id, user_name, photo_url, text, created_at
		FROM messages WHERE board_id=$1 ORDER BY created_at DESC LIMIT $2
	`, boardID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.BoardID, &msg.UserID, &msg.UserName, &msg.PhotoURL,
			&msg.Text, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	// Oldest first for rendering.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, rows.Err()
}

// ── Reconciliation ──

// ReconcileColumnRefs heals drift between a board's column-id list and the
// column rows' board back-references: ids without a row are dropped, rows
// missing from the list are appended in display order.
func (s *PostgresStore) ReconcileColumnRefs(ctx context.Context, boardID string) (RepairReport, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return RepairReport{}, fmt.Errorf("begin reconcile: %w", err)
	}
	defer tx.Rollback()

	board, err := scanBoard(tx.QueryRowContext(ctx, `SELECT `+boardColumns+` FROM boards WHERE id=$1 FOR UPDATE`, boardID))
	if err != nil {
		return RepairReport{}, err
	}

	rows, err := tx.QueryContext(ctx, `SELECT id FROM columns WHERE board_id=$1 ORDER BY ord, id`, boardID)
	if err != nil {
		return RepairReport{}, fmt.Errorf("list column rows: %w", err)
	}
	var rowIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return RepairReport{}, err
		}
		rowIDs = append(rowIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return RepairReport{}, err
	}

	exists := make(map[string]bool, len(rowIDs))
	for _, id := range rowIDs {
		exists[id] = true
	}
	listed := make(map[string]bool, len(board.Columns))

	var report RepairReport
	healed := make([]string, 0, len(rowIDs))
	for _, id := range board.Columns {
		listed[id] = true
		if exists[id] {
			healed = append(healed, id)
		} else {
			report.RemovedFromBoardList = append(report.RemovedFromBoardList, id)
		}
	}
	for _, id := range rowIDs {
		if !listed[id] {
			healed = append(healed, id)
			report.AddedToBoardList = append(report.AddedToBoardList, id)
		}
	}

	if report.Clean() {
		return report, tx.Commit()
	}

	encoded, err := json.Marshal(healed)
	if err != nil {
		return RepairReport{}, fmt.Errorf("encode column list: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE boards SET columns=$2, updated_at=NOW() WHERE id=$1`, boardID, encoded); err != nil {
		return RepairReport{}, fmt.Errorf("write healed column list: %w", err)
	}
	return report, tx.Commit()
}

func emptyIfNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func emptyAttachments(values []Attachment) []Attachment {
	if values == nil {
		return []Attachment{}
	}
	return values
}

func emptyChecklist(values []ChecklistItem) []ChecklistItem {
	if values == nil {
		return []ChecklistItem{}
	}
	return values
}
