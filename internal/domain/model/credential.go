package model

import "time"

// Credential holds the current access/refresh token pair for the signed-in
// citizen. At most one credential is live per session; it is replaced in
// place on refresh and destroyed on sign-out or irrecoverable refresh failure.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Subject      string    `json:"subject"`
}

// ExpiresWithin reports whether the access token's remaining lifetime at now
// is below threshold, i.e. whether a proactive refresh is due.
func (c Credential) ExpiresWithin(now time.Time, threshold time.Duration) bool {
	return !now.Add(threshold).Before(c.ExpiresAt)
}
