package schema

type PredictRequest struct {
	// Image is the Base64-encoded image bytes.
	Image string `json:"image" binding:"required"`
}

type PredictResult struct {
	Image string `json:"image"`
}
