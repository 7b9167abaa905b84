package models

// User represents an authenticated customer.
type User struct {
	BaseModel
	Email        string  `gorm:"uniqueIndex;size:254;not null" json:"email"`
	FirstName    string  `json:"first_name"`
	LastName     string  `json:"last_name"`
	Phone        string  `gorm:"size:15" json:"phone"`
	PasswordHash string  `json:"-"`
	IsActive     bool    `gorm:"default:true" json:"is_active"`
	Orders       []Order `gorm:"foreignKey:CustomerID" json:"orders,omitempty"`
}

// DisplayName returns the customer's full name, falling back to the email.
func (u User) DisplayName() string {
	name := u.FirstName
	if u.LastName != "" {
		if name != "" {
			name += " "
		}
		name += u.LastName
	}
	if name == "" {
		return u.Email
	}
	return name
}
