package dto

type AccountRequest struct {
	AccountID string `json:"accountId" binding:"required"`
	Email     string `json:"email" binding:"required,email"`
}

type AccountResponse struct {
	AccountID string `json:"accountId"`
	Email     string `json:"email"`
	CreatedAt string `json:"createdAt"`
}
