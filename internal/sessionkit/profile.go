package sessionkit

import (
	"slices"
	"time"
)

// UserProfile mirrors the backend user object.
type UserProfile struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	AvatarURL string    `json:"avatar,omitempty"`
	Role      string    `json:"role,omitempty"`
	Roles     []string  `json:"roles,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns an independent copy of the profile.
func (profile *UserProfile) Clone() *UserProfile {
	if profile == nil {
		return nil
	}
	cloned := *profile
	cloned.Roles = slices.Clone(profile.Roles)
	return &cloned
}

// Equal reports whether two profiles carry identical fields.
func (profile *UserProfile) Equal(other *UserProfile) bool {
	if profile == nil || other == nil {
		return profile == other
	}
	return profile.ID == other.ID &&
		profile.Email == other.Email &&
		profile.Name == other.Name &&
		profile.AvatarURL == other.AvatarURL &&
		profile.Role == other.Role &&
		slices.Equal(profile.Roles, other.Roles) &&
		profile.CreatedAt.Equal(other.CreatedAt) &&
		profile.UpdatedAt.Equal(other.UpdatedAt)
}
