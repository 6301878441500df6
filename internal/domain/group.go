package domain

// Group is a membership-scoped chat room. Metadata is owned by the
// backend and cached read-only on the client; tags match the
// /user-groups response shape.
type Group struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ImageURL    string `json:"profile"`
	Description string `json:"description"`
	AdminEmail  string `json:"admin"`
}

// Member is one entry from /group-members.
type Member struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}
