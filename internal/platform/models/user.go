package models

const (
	TierFree = "free"
	TierPro  = "pro"
)

type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Tier  string `json:"tier"`
}
