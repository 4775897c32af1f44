package rbac

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

const (
	ActionRead Action = "read"
	// ActionEditTask covers task updates, task deletion and checklist toggles.
	ActionEditTask Action = "edit_task"
	ActionChat     Action = "chat"
	// ActionManageBoard covers column create/delete, task create, board
	// create/delete and board repair.
	ActionManageBoard Action = "manage_board"
	ActionAnalytics   Action = "analytics"
)

// Can reports whether a workspace role is allowed to perform an action.
// Structural changes are admin-only; any authenticated workspace member,
// viewers included, may edit tasks and send chat messages.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleMember, RoleViewer:
		return action == ActionRead || action == ActionEditTask || action == ActionChat
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleMember, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}

// Valid reports whether role is one of the three workspace roles.
func Valid(role string) bool {
	switch Role(role) {
	case RoleViewer, RoleMember, RoleAdmin:
		return true
	default:
		return false
	}
}
