package server

import "flagdeck/internal/domain"

// Request payloads

// OverrideRequest carries the raw override value. Bool flags accept
// true/false, 1/0, on/off and yes/no; int flags accept base-10 integers.
type OverrideRequest struct {
	Value string `json:"value" example:"true"`
}

type DeveloperOptionsRequest struct {
	DeveloperOptions bool `json:"developer_options"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Permissions []string `json:"permissions,omitempty"`
}

// Response payloads

type FlagListResponse struct {
	Items []domain.FlagView `json:"items"`
}

type ClearAllResponse struct {
	Cleared int64 `json:"cleared"`
}

type EventListResponse struct {
	Items []domain.Event `json:"items"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source" enum:"jwt,api_key"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}
