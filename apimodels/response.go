package apimodels

type QueryResponse struct {
	// Markdown document answering the prompt
	Response string `json:"response"`

	// Seconds since the Unix epoch
	Timestamp float64 `json:"timestamp"`

	// Static model/version tag
	Model string `json:"model"`

	// Kind of canned analysis that was selected
	AnalysisType string `json:"analysis_type,omitempty"`
}

type HealthResponse struct {
	Status    string  `json:"status"`
	Message   string  `json:"message"`
	Timestamp float64 `json:"timestamp"`
}

type InfoResponse struct {
	ModelName    string   `json:"model_name"`
	Version      string   `json:"version"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities"`
	Improvements []string `json:"improvements,omitempty"`
	Note         string   `json:"note,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
