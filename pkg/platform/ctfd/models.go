package ctfd

import "encoding/json"

// envelope is the wrapper around every CTFd API response.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message,omitempty"`
	Errors  json.RawMessage `json:"errors,omitempty"`
	Meta    *meta           `json:"meta,omitempty"`
}

type meta struct {
	Pagination *pagination `json:"pagination,omitempty"`
}

type pagination struct {
	Page  int  `json:"page"`
	Next  *int `json:"next"`
	Pages int  `json:"pages"`
	Total int  `json:"total"`
}

type challengeSummary struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
	State    string `json:"state"`
}

type challengeDetail struct {
	ID             int    `json:"id"`
	Name           string `json:"name"`
	Category       string `json:"category"`
	Description    string `json:"description"`
	Value          int    `json:"value"`
	State          string `json:"state"`
	Type           string `json:"type"`
	ConnectionInfo string `json:"connection_info"`
	MaxAttempts    int    `json:"max_attempts"`
}

// challengeCreate is the body of POST /challenges.
type challengeCreate struct {
	Name           string `json:"name"`
	Category       string `json:"category"`
	Description    string `json:"description"`
	Value          int    `json:"value"`
	State          string `json:"state"`
	Type           string `json:"type"`
	ConnectionInfo string `json:"connection_info,omitempty"`
	MaxAttempts    int    `json:"max_attempts,omitempty"`
}

type tag struct {
	ID          int    `json:"id,omitempty"`
	ChallengeID int    `json:"challenge_id"`
	Value       string `json:"value"`
}

type flag struct {
	ID          int    `json:"id,omitempty"`
	ChallengeID int    `json:"challenge_id"`
	Type        string `json:"type"`
	Content     string `json:"content"`
	Data        string `json:"data"`
}

type hint struct {
	ID          int    `json:"id,omitempty"`
	ChallengeID int    `json:"challenge_id"`
	Content     string `json:"content"`
	Cost        int    `json:"cost"`
}

type file struct {
	ID       int    `json:"id"`
	Type     string `json:"type"`
	Location string `json:"location"`
	SHA1     string `json:"sha1sum"`
}

type requirements struct {
	Prerequisites []int `json:"prerequisites"`
	Anonymize     bool  `json:"anonymize,omitempty"`
}

type requirementsPatch struct {
	Requirements requirements `json:"requirements"`
}
