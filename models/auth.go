package models

// InfoUser is the caller identity decoded from the hosted auth token.
type InfoUser struct {
	ID          string `mapstructure:"sub"`
	Email       string `mapstructure:"email"`
	Role        string `mapstructure:"role"`
	AccessToken string `mapstructure:"-"`
}

// Authenticated reports whether the request carried a usable token.
func (u InfoUser) Authenticated() bool {
	return u.ID != ""
}

// HasRole reports whether the token role is one of roles.
func (u InfoUser) HasRole(roles ...string) bool {
	for _, role := range roles {
		if role != "" && u.Role == role {
			return true
		}
	}
	return false
}
