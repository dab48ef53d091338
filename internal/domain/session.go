package domain

// UserSession is the singleton identity and navigation record.
type UserSession struct {
	TenantID             string `json:"tenant_id"`
	UserID               string `json:"user_id"`
	Email                string `json:"email,omitempty"`
	Name                 string `json:"name,omitempty"`
	Token                string `json:"-"`
	ActiveConversationID string `json:"active_conversation_id,omitempty"`
}

// HasIdentity returns true if both tenant and user are known.
func (s UserSession) HasIdentity() bool {
	return s.TenantID != "" && s.UserID != ""
}
