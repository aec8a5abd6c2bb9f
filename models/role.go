package models

// Role はセッションに固定されるパーティションの役割です。
type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
	RoleOwner  Role = "owner"
)

// Valid は既知のロールかどうかを返します。
func (r Role) Valid() bool {
	switch r {
	case RoleRider, RoleDriver, RoleOwner:
		return true
	}
	return false
}
