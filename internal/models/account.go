// internal/models/account.go
package models

type Role string

const (
	RoleUser   Role = "user"
	RoleAdmin  Role = "admin"
	RoleSeller Role = "seller"
)

// CanOwnSubscription reports whether an account with this role may hold a
// seller subscription.
func (r Role) CanOwnSubscription() bool {
	return r == RoleSeller
}
