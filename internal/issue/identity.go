package issue

// Identity is descriptive author metadata; it is not a verified account.
type Identity struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// String renders the identity as "Name <email>".
func (i Identity) String() string {
	return i.Name + " <" + i.Email + ">"
}

// IsZero reports whether neither name nor email is set.
func (i Identity) IsZero() bool {
	return i.Name == "" && i.Email == ""
}
