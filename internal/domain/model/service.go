package model

import "time"

// ServiceOffering is one entry in the portal's service directory.
type ServiceOffering struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Category        string    `json:"category"`
	Description     string    `json:"description,omitempty"`
	Location        string    `json:"location,omitempty"`
	DurationMinutes int       `json:"duration_minutes"`
	Available       bool      `json:"available"`
	UpdatedAt       time.Time `json:"updated_at"`
}
