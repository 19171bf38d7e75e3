package models

type UserRole string

// Roles carried in the token's app_metadata.role claim. Staff who record
// sessions are plain users; admins see every session and the live registry.
const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)
