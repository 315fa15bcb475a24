package challenge

type CreateChallengeRequest struct {
	Title string `json:"title"`
}

type UpdateChallengeRequest struct {
	Title    *string `json:"title,omitempty"`
	Archived *bool   `json:"is_archived,omitempty"`
}
