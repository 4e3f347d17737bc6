package models

// Plan tiers known to the backend. Unknown values are passed through as-is.
const (
	PlanTrial      = "trial"
	PlanStarter    = "starter"
	PlanGrowth     = "growth"
	PlanPro        = "pro"
	PlanEnterprise = "enterprise"
)

// AppProfile is the backend-owned user record returned by GET /api/me.
type AppProfile struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"fullName"`
	Role     string `json:"role"`
	Plan     string `json:"plan"`
}

// IsAdmin returns true if the profile carries the admin role.
func (p *AppProfile) IsAdmin() bool {
	return p != nil && p.Role == "admin"
}
