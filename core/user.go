package core

import "time"

type (
	User struct {
		Subject   string    `json:"subject"`
		Login     string    `json:"login"`
		Email     string    `json:"email"`
		AvatarURL string    `json:"avatarUrl"`
		Name      string    `json:"name"`
		CreatedAt time.Time `json:"createdAt"`
	}

	// Identity is the authenticated caller, passed explicitly to every
	// operation that needs attribution.
	Identity struct {
		Subject string `json:"subject"`
		Login   string `json:"login"`
		Name    string `json:"name"`
	}
)

// Anonymous reports whether no identity is present.
func (i Identity) Anonymous() bool {
	return i.Subject == ""
}
