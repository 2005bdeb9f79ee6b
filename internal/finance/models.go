package finance

import "time"

// Entry types.
const (
	TypeIncome  = "income"
	TypeExpense = "expense"
)

// Category groups transactions. System categories have no user.
type Category struct {
	ID   int    `json:"id,omitempty"`
	Name string `json:"name" validate:"required,max=100"`
	Type string `json:"type" validate:"required,oneof=income expense"`
	User *int   `json:"user,omitempty"`
}

// Transaction is a single income or expense entry. Amount is a decimal
// string with two fraction digits, as the API serializes it.
type Transaction struct {
	ID              int       `json:"id,omitempty"`
	User            *int      `json:"user,omitempty"`
	Title           string    `json:"title" validate:"required,max=255"`
	Amount          string    `json:"amount" validate:"required,numeric"`
	Type            string    `json:"type" validate:"required,oneof=income expense"`
	Category        *int      `json:"category"`
	TransactionDate string    `json:"transaction_date" validate:"required,datetime=2006-01-02"`
	CreatedAt       time.Time `json:"created_at,omitzero"`
	UpdatedAt       time.Time `json:"updated_at,omitzero"`
}

// Budget caps spending in a category for one month.
type Budget struct {
	ID          int    `json:"id,omitempty"`
	User        *int   `json:"user,omitempty"`
	Category    int    `json:"category" validate:"required,gt=0"`
	Month       int    `json:"month" validate:"required,gte=1,lte=12"`
	Year        int    `json:"year" validate:"required,gte=2000"`
	AmountLimit string `json:"amount_limit" validate:"required,numeric"`
}

// Profile is the signed-in user's account.
type Profile struct {
	ID          int    `json:"id"`
	Email       string `json:"email"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	PhoneNumber string `json:"phone_number"`
	Location    string `json:"location"`
	Bio         string `json:"bio"`
	Department  string `json:"department"`
	Role        string `json:"role"`
}

// ProfileUpdate holds the editable profile fields. Nil fields are not sent.
type ProfileUpdate struct {
	FirstName   *string `json:"first_name,omitempty" validate:"omitempty,max=150"`
	LastName    *string `json:"last_name,omitempty" validate:"omitempty,max=150"`
	PhoneNumber *string `json:"phone_number,omitempty" validate:"omitempty,max=20"`
	Location    *string `json:"location,omitempty" validate:"omitempty,max=100"`
	Bio         *string `json:"bio,omitempty"`
	Department  *string `json:"department,omitempty" validate:"omitempty,oneof=engineering finance hr marketing sales other"`
}

// PasswordChange is the change-password form.
type PasswordChange struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=8"`
	ConfirmPassword string `json:"confirm_password" validate:"required,eqfield=NewPassword"`
}
