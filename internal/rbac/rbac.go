package rbac

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleOwner  Role = "owner"
)

const (
	ActionRead Action = "read"
	// ActionPresence covers joining a report's topics and tracking presence.
	ActionPresence Action = "presence"
	// ActionWrite covers persisting section content and live broadcasts.
	ActionWrite   Action = "write"
	ActionReorder Action = "reorder"
	ActionManage  Action = "manage"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionPresence || action == ActionWrite || action == ActionReorder
	case RoleViewer:
		return action == ActionRead || action == ActionPresence
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleOwner:
		return Role(role)
	default:
		return RoleViewer
	}
}
