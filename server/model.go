package server

// ResponseModel is the envelope of every JSON response
type ResponseModel struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// HealthModel is the body of /status
type HealthModel struct {
	Healthy bool        `json:"healthy"`
	Version string      `json:"version,omitempty"`
	Feeds   interface{} `json:"feeds"`
}
