package server

import (
	"flowline/internal/domain"
)

type EnqueueProcessRequest struct {
	Project        string         `json:"project" example:"payments"`
	EntryPoint     string         `json:"entry_point" example:"default"`
	Requirements   []string       `json:"requirements,omitempty"`
	ActiveProfiles []string       `json:"active_profiles,omitempty"`
	Arguments      map[string]any `json:"arguments,omitempty"`
}

type ProcessResponse struct {
	ID             string         `json:"id"`
	Project        string         `json:"project"`
	EntryPoint     string         `json:"entry_point"`
	Status         string         `json:"status"`
	Requirements   []string       `json:"requirements,omitempty"`
	ActiveProfiles []string       `json:"active_profiles,omitempty"`
	LeaseOwner     *string        `json:"lease_owner,omitempty"`
	LeaseExpiresAt *string        `json:"lease_expires_at,omitempty"`
	ResumeArgs     map[string]any `json:"resume_args,omitempty"`
	LogRef         string         `json:"log_ref,omitempty"`
	CreatedAt      string         `json:"created_at"`
	UpdatedAt      string         `json:"updated_at"`
}

func processResponse(p domain.ProcessInstance) ProcessResponse {
	return ProcessResponse{
		ID:             p.ID,
		Project:        p.ProjectName,
		EntryPoint:     p.EntryPoint,
		Status:         p.Status,
		Requirements:   p.Requirements,
		ActiveProfiles: p.ActiveProfiles,
		LeaseOwner:     p.LeaseOwner,
		LeaseExpiresAt: p.LeaseExpiresAt,
		ResumeArgs:     p.ResumeArgs,
		LogRef:         p.LogRef,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

func mapProcesses(items []domain.ProcessInstance) []ProcessResponse {
	res := make([]ProcessResponse, 0, len(items))
	for _, p := range items {
		res = append(res, processResponse(p))
	}
	return res
}

type PullRequest struct {
	Capabilities []string `json:"capabilities,omitempty"`
	WaitSeconds  int      `json:"wait_seconds,omitempty" minimum:"0" maximum:"60"`
}

// PullResponse is empty when nothing is pending; agents poll again.
type PullResponse struct {
	Instance     *ProcessResponse `json:"instance,omitempty"`
	MergedConfig map[string]any   `json:"merged_config,omitempty"`
	Lease        *LeaseResponse   `json:"lease,omitempty"`
	ProcessToken string           `json:"process_token,omitempty"`
}

type LeaseResponse struct {
	InstanceID string `json:"instance_id"`
	OwnerID    string `json:"owner_id"`
	ExpiresAt  string `json:"expires_at"`
}

type TerminalReportRequest struct {
	Status string `json:"status" enum:"finished,failed,cancelled"`
	LogRef string `json:"log_ref,omitempty"`
}

type CancelRequest struct {
	Force bool `json:"force,omitempty"`
}

type ResumeRequest struct {
	Args map[string]any `json:"args,omitempty"`
}

type KvValueResponse struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type SecretResponse struct {
	Project string `json:"project"`
	Name    string `json:"name"`
	Value   []byte `json:"value"`
}

type IssueAPIKeyRequest struct {
	OwnerID string `json:"owner_id" example:"agent-1"`
}

type IssueAPIKeyResponse struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	// Key is returned exactly once; only its digest is stored.
	Key       string `json:"key"`
	CreatedAt string `json:"created_at"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	CreatedAt string `json:"created_at"`
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, OwnerID: k.OwnerID, CreatedAt: k.CreatedAt}
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	Project    string `json:"project,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		Project:    e.ProjectName,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}

type AgentResponse struct {
	ID           string   `json:"id"`
	Capabilities []string `json:"capabilities,omitempty"`
	ConnectedAt  string   `json:"connected_at"`
}
