package model

import "encoding/json"

const RoleAdmin = "admin"

type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
	Role    string `json:"role,omitempty"`
	User    *User  `json:"user,omitempty"`
}

type User struct {
	ID                int64   `json:"id"`
	Username          string  `json:"username"`
	Email             string  `json:"email"`
	Phone             *string `json:"phone,omitempty"`
	Role              string  `json:"role"`
	University        *string `json:"university,omitempty"`
	Faculty           *string `json:"faculty,omitempty"`
	FreeAdsRemaining  int     `json:"free_ads_remaining"`
	ActivePackage     *string `json:"active_package,omitempty"`
	ActivePackageName *string `json:"active_package_name,omitempty"`
	PackageExpiry     *string `json:"package_expiry,omitempty"`
	CreatedAt         string  `json:"created_at,omitempty"`
}

func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

type Category struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Image       *string `json:"image,omitempty"`
}

type Seller struct {
	ID        int64   `json:"id"`
	Email     string  `json:"email"`
	FirstName string  `json:"first_name"`
	Phone     *string `json:"phone,omitempty"`
}

type Product struct {
	ID           int64    `json:"id"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Price        string   `json:"price"`
	Condition    string   `json:"condition"`
	Image        *string  `json:"image,omitempty"`
	Images       []string `json:"images,omitempty"`
	Category     int64    `json:"category"`
	CategoryName string   `json:"category_name,omitempty"`
	Seller       Seller   `json:"seller"`
	University   *string  `json:"university,omitempty"`
	Faculty      *string  `json:"faculty,omitempty"`
	IsFeatured   bool     `json:"is_featured"`
	Status       string   `json:"status"`
	CreatedAt    string   `json:"created_at,omitempty"`
}

type Package struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	Price           string `json:"price"`
	DurationInDays  int    `json:"duration_in_days"`
	AdLimit         int    `json:"ad_limit"`
	FeaturedAdLimit int    `json:"featured_ad_limit"`
	Description     string `json:"description"`
}

type Payment struct {
	ID            int64  `json:"id"`
	User          int64  `json:"user"`
	UserName      string `json:"user_name,omitempty"`
	Package       int64  `json:"package"`
	PackageName   string `json:"package_name,omitempty"`
	PaymentMethod string `json:"payment_method"`
	Amount        string `json:"amount"`
	StartDate     string `json:"start_date,omitempty"`
	ExpiryDate    string `json:"expiry_date,omitempty"`
	Status        string `json:"status"`
}

type Review struct {
	ID        int64   `json:"id"`
	Product   int64   `json:"product"`
	User      int64   `json:"user"`
	UserName  string  `json:"user_name,omitempty"`
	Rating    int     `json:"rating"`
	Comment   *string `json:"comment,omitempty"`
	CreatedAt string  `json:"created_at,omitempty"`
	UpdatedAt string  `json:"updated_at,omitempty"`
}

type Report struct {
	ID           int64   `json:"id"`
	Product      int64   `json:"product"`
	Reporter     int64   `json:"reporter"`
	ReporterName string  `json:"reporter_name,omitempty"`
	Reason       string  `json:"reason"`
	Details      *string `json:"details,omitempty"`
	Status       string  `json:"status"`
	CreatedAt    string  `json:"created_at,omitempty"`
	UpdatedAt    string  `json:"updated_at,omitempty"`
}

// Chat, Message and ContactMessage are rendered as-is; the backend owns
// their shape.
type (
	Chat           = json.RawMessage
	Message        = json.RawMessage
	ContactMessage = json.RawMessage
)
