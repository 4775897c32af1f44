package store

import "time"

type NotificationSettings struct {
	Email       bool `json:"email"`
	Push        bool `json:"push"`
	Mentions    bool `json:"mentions"`
	Assignments bool `json:"assignments"`
}

type UserSettings struct {
	Theme         string               `json:"theme"`
	Notifications NotificationSettings `json:"notifications"`
}

func DefaultUserSettings() UserSettings {
	return UserSettings{
		Theme: "light",
		Notifications: NotificationSettings{
			Email:       true,
			Push:        true,
			Mentions:    true,
			Assignments: true,
		},
	}
}

// User is the identity plus its denormalized profile record. The profile is
// created lazily on first sign-in and never deleted.
type User struct {
	ID                string
	DisplayName       string
	Email             string
	PhotoURL          string
	PasswordHash      string
	Workspaces        []string
	Settings          UserSettings
	LastActive        time.Time
	IsEmailVerified   bool
	VerificationToken string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type WorkspaceMember struct {
	UserID   string    `json:"userId"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joinedAt"`
}

type WorkspaceSettings struct {
	AllowGuestAccess bool   `json:"allowGuestAccess"`
	TaskPrefix       string `json:"taskPrefix"`
}

type Workspace struct {
	ID        string
	Name      string
	OwnerID   string
	TeamCode  string
	Members   []WorkspaceMember
	Settings  WorkspaceSettings
	CreatedAt time.Time
}

type Board struct {
	ID          string
	WorkspaceID string
	Name        string
	Description string
	// Columns is the denormalized column-id list; each column row carries its
	// own board back-reference. ReconcileColumnRefs heals drift between the two.
	Columns   []string
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Column struct {
	ID        string
	BoardID   string
	Name      string
	Order     int
	Color     string
	TaskLimit *int
}

type ChecklistItem struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
	Order     int    `json:"order"`
}

type Attachment struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	URL        string    `json:"url"`
	Type       string    `json:"type"`
	Size       int64     `json:"size"`
	UploadedBy string    `json:"uploadedBy"`
	UploadedAt time.Time `json:"uploadedAt"`
}

type Task struct {
	ID          string
	BoardID     string
	ColumnID    string
	Title       string
	Description string
	AssignedTo  []string
	Priority    string
	DueDate     *time.Time
	Tags        []string
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Comments    int
	Attachments []Attachment
	Order       int
	Checklist   []ChecklistItem
	IsCompleted bool
}

// Message is a board-scoped chat message. Sender display name and photo are
// denormalized onto the row so readers never join against users.
type Message struct {
	ID        string
	BoardID   string
	UserID    string
	UserName  string
	PhotoURL  string
	Text      string
	CreatedAt time.Time
}

// RepairReport describes what a reconciliation pass changed.
type RepairReport struct {
	AddedToBoardList     []string
	RemovedFromBoardList []string
}

func (r RepairReport) Clean() bool {
	return len(r.AddedToBoardList) == 0 && len(r.RemovedFromBoardList) == 0
}
