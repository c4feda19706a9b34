package models

import "time"

// User is an authenticated account. A user is the owner of the jobs it
// starts and may only observe its own jobs' progress.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"` // Never expose the hash in JSON responses.
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}
