package domain

import "github.com/google/uuid"

// PlayerProfile represents a player known to the stats service
type PlayerProfile struct {
	UUID     uuid.UUID `json:"uuid"`
	Username *string   `json:"username,omitempty"`
}

// UsernameOrEmpty returns the stored username, or "" when none is known
func (p *PlayerProfile) UsernameOrEmpty() string {
	if p.Username == nil {
		return ""
	}
	return *p.Username
}

// UpdateProfileRequest is the body of a username change
type UpdateProfileRequest struct {
	Username string `json:"username"`
}

// PlayerStats maps namespace to stat name to decoded value
type PlayerStats map[string]map[string]float64
