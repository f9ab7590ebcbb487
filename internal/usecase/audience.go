package usecase

import "context"

// GroupAudience broadcasts to a single fixed group chat.
type GroupAudience struct {
	ChatID string
}

func (a GroupAudience) Recipients(ctx context.Context) ([]string, error) {
	return []string{a.ChatID}, nil
}

// DepartmentDirectory lists the open ids of a department's members.
type DepartmentDirectory interface {
	DepartmentUsers(ctx context.Context, departmentID string) ([]string, error)
}

// DepartmentAudience broadcasts to every member of a department, one
// message per member.
type DepartmentAudience struct {
	Directory    DepartmentDirectory
	DepartmentID string
}

func (a DepartmentAudience) Recipients(ctx context.Context) ([]string, error) {
	return a.Directory.DepartmentUsers(ctx, a.DepartmentID)
}
