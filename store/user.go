package store

type User struct {
	ID          string
	Username    string
	Email       string
	DisplayName string
	AgeVerified bool
	CreatedTs   int64
}

// ShortName derives the name presented in presence events: the display name
// when set, otherwise the local part of the email, otherwise the username.
func (u *User) ShortName() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	if u.Email != "" {
		for i := 0; i < len(u.Email); i++ {
			if u.Email[i] == '@' {
				return u.Email[:i]
			}
		}
		return u.Email
	}
	return u.Username
}

// AccessToken is a handshake credential. The wire token is "<id>.<secret>";
// only the bcrypt hash of the secret is stored.
type AccessToken struct {
	ID         string
	UserID     string
	SecretHash string
	CreatedTs  int64
}

// APIKey is a user-supplied provider credential. Holding one for a model's
// provider bypasses the grant balance check.
type APIKey struct {
	ID        string
	UserID    string
	Provider  string
	CreatedTs int64
}

// GrantSummary is the user's prepaid balance per currency bucket.
type GrantSummary struct {
	UserID   string
	Balances map[string]float64
}

// Capability names checked by the credit gate.
const (
	CapabilityOverspend = "overspend"
)

// Permission is the per-user view of what a conversation allows.
type Permission struct {
	CanChat   bool
	CanDelete bool
}
