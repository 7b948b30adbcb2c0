package account

import "time"

// Account describes a user of the application. Credentials never live here;
// sign-in happens through emailed one-time PINs and the hosted identity
// directory mirrors each account by id
type Account struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	Email     string    `json:"email" gorm:"uniqueIndex"` // User's email address
	Verified  bool      `json:"verified"`                 // True once the first PIN exchange succeeds
	CreatedAt time.Time `json:"createdAt"`
}
