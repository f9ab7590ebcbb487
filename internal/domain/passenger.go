package domain

// Passenger identifies one chat user. OpenID is the stable
// platform-assigned id; equality is by OpenID only.
type Passenger struct {
	OpenID string
	Name   string
}
