package domain

// Process statuses. Terminal statuses are absorbing: no transition leaves them.
const (
	StatusStarting  = "starting"
	StatusRunning   = "running"
	StatusSuspended = "suspended"
	StatusFinished  = "finished"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// IsTerminal reports whether a status is one of the absorbing end states.
func IsTerminal(status string) bool {
	switch status {
	case StatusFinished, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type ProcessInstance struct {
	ID             string         `json:"id"`
	ProjectName    string         `json:"project_name"`
	EntryPoint     string         `json:"entry_point"`
	Status         string         `json:"status" enum:"starting,running,suspended,finished,failed,cancelled"`
	Requirements   []string       `json:"requirements,omitempty"`
	ActiveProfiles []string       `json:"active_profiles,omitempty"`
	MergedConfig   map[string]any `json:"merged_config,omitempty"`
	ResumeArgs     map[string]any `json:"resume_args,omitempty"`
	LeaseOwner     *string        `json:"lease_owner,omitempty"`
	LeaseExpiresAt *string        `json:"lease_expires_at,omitempty" format:"date-time"`
	LogRef         string         `json:"log_ref,omitempty"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
	UpdatedAt      string         `json:"updated_at" format:"date-time"`
}

// Lease is the derived view of the (lease_owner, lease_expires_at) pair on a
// process instance. At most one non-expired lease exists per instance.
type Lease struct {
	InstanceID string `json:"instance_id"`
	OwnerID    string `json:"owner_id"`
	ExpiresAt  string `json:"expires_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Command is an asynchronous control signal pushed to the agent that
// currently leases the targeted instance.
type Command struct {
	ID         string         `json:"id"`
	Type       string         `json:"type" enum:"cancel,resume"`
	InstanceID string         `json:"instance_id"`
	Args       map[string]any `json:"args,omitempty"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
}

const (
	CommandCancel = "cancel"
	CommandResume = "resume"
)

type KvEntry struct {
	InstanceID string `json:"instance_id"`
	Key        string `json:"key"`
	Value      string `json:"value"`
}

type Secret struct {
	ProjectName string `json:"project_name"`
	Name        string `json:"name"`
	Value       []byte `json:"-"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	ProjectName string `json:"project_name,omitempty"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	ActorID     string `json:"actor_id"`
	Payload     string `json:"payload_json"`
}

// AgentInfo describes an agent currently holding an open command stream.
type AgentInfo struct {
	ID           string   `json:"id"`
	Capabilities []string `json:"capabilities,omitempty"`
	ConnectedAt  string   `json:"connected_at" format:"date-time"`
}
