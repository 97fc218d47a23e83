package apimodels

import "encoding/json"

type QueryRequest struct {
	// Prompt is the free-text question to answer
	Prompt string `json:"prompt"`

	// Prior chat turns sent by the front end. Accepted, not consulted.
	ConversationHistory []json.RawMessage `json:"conversationHistory,omitempty"`

	// Content of the message the user asked to continue. Accepted, not consulted.
	ContinueFrom string `json:"continueFrom,omitempty"`

	// Front-end session token. Accepted, not consulted.
	SessionToken string `json:"sessionToken,omitempty"`
}
