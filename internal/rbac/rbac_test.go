package rbac

import "testing"

func TestAdminCanEverything(t *testing.T) {
	actions := []Action{ActionRead, ActionEditTask, ActionChat, ActionManageBoard, ActionAnalytics}
	for _, action := range actions {
		if !Can(RoleAdmin, action) {
			t.Errorf("admin should be allowed %s", action)
		}
	}
}

func TestMemberCannotManageBoard(t *testing.T) {
	if Can(RoleMember, ActionManageBoard) {
		t.Error("member should not manage board structure")
	}
	if Can(RoleViewer, ActionManageBoard) {
		t.Error("viewer should not manage board structure")
	}
	if Can(RoleMember, ActionAnalytics) {
		t.Error("member should not view analytics")
	}
}

func TestMemberCanEditTasksAndChat(t *testing.T) {
	for _, role := range []Role{RoleMember, RoleViewer} {
		if !Can(role, ActionEditTask) {
			t.Errorf("%s should be allowed to edit tasks", role)
		}
		if !Can(role, ActionChat) {
			t.Errorf("%s should be allowed to chat", role)
		}
	}
}

func TestUnknownRoleDeniedAll(t *testing.T) {
	if Can(Role("guest"), ActionRead) {
		t.Error("unknown role should be denied")
	}
}

func TestNormalize(t *testing.T) {
	if Normalize("admin") != RoleAdmin {
		t.Error("admin should normalize to itself")
	}
	if Normalize("superuser") != RoleViewer {
		t.Error("unknown role should normalize to viewer")
	}
}
