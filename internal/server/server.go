package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"flowline/internal/apikey"
	"flowline/internal/engine"
	"flowline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine      *engine.Engine
	Authority   *apikey.Authority
	BasePath    string
	TokenSecret string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"lease_mismatch"`
	Message string         `json:"message" example:"lease mismatch"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Flowline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine required")
	}
	if cfg.Authority == nil {
		cfg.Authority = apikey.New(cfg.Engine.Repo)
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope above.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Authority))
	hcfg := huma.DefaultConfig("Flowline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAPIKeys(group, cfg.Authority)
	registerProcesses(group, cfg.Engine)
	registerQueue(group, cfg.Engine, cfg.TokenSecret)
	registerCommandStream(group, cfg.Engine)
	registerKv(group, cfg.Engine, cfg.TokenSecret)
	registerSecrets(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAgents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrLeaseMismatch):
		return newAPIError(http.StatusConflict, "lease_mismatch", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidRequest):
		return newAPIError(http.StatusBadRequest, "invalid_request", err.Error(), nil)
	case errors.Is(err, apikey.ErrInvalidKey):
		return newAPIError(http.StatusUnauthorized, "unauthorized", "invalid credentials", nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join(basePath, "openapi.json")
	return fmt.Sprintf(`<!doctype html>
<html>
  <head>
    <title>Flowline API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
      window.onload = () => {
        window.ui = SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;key&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerAPIKeys(api huma.API, authority *apikey.Authority) {
	huma.Register(api, huma.Operation{
		OperationID:   "issue-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Issue API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body IssueAPIKeyRequest `json:"body"`
	}) (*struct {
		Body IssueAPIKeyResponse `json:"body"`
	}, error) {
		if _, authErr := ownerIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.OwnerID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "invalid_request", "owner_id is required", nil)
		}
		plaintext, key, err := authority.Issue(ctx, nil, input.Body.OwnerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueAPIKeyResponse `json:"body"`
		}{Body: IssueAPIKeyResponse{
			ID:        key.ID,
			OwnerID:   key.OwnerID,
			Key:       plaintext,
			CreatedAt: key.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		Owner string `query:"owner"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		if _, authErr := ownerIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		keys, err := authority.List(ctx, input.Owner)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			res = append(res, apiKeyResponse(k))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/apikeys/{key_id}",
		Summary:       "Revoke API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if _, authErr := ownerIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := authority.Revoke(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerProcesses(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "enqueue-process",
		Method:        http.MethodPost,
		Path:          "/processes",
		Summary:       "Enqueue process",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body EnqueueProcessRequest `json:"body"`
	}) (*struct {
		Body ProcessResponse `json:"body"`
	}, error) {
		actorID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Enqueue(ctx, engine.EnqueueOptions{
			ProjectName:    input.Body.Project,
			EntryPoint:     input.Body.EntryPoint,
			Requirements:   input.Body.Requirements,
			ActiveProfiles: input.Body.ActiveProfiles,
			Arguments:      input.Body.Arguments,
			ActorID:        actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProcessResponse `json:"body"`
		}{Body: processResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-process",
		Method:      http.MethodGet,
		Path:        "/processes/{instance_id}",
		Summary:     "Get process",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
	}) (*struct {
		Body ProcessResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProcess(ctx, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProcessResponse `json:"body"`
		}{Body: processResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-processes",
		Method:      http.MethodGet,
		Path:        "/processes",
		Summary:     "List processes",
	}, func(ctx context.Context, input *struct {
		Project         string `query:"project"`
		Status          string `query:"status"`
		Limit           int    `query:"limit" minimum:"0" maximum:"500"`
		CursorCreatedAt string `query:"cursor_created_at"`
		CursorID        string `query:"cursor_id"`
	}) (*struct {
		Body []ProcessResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProcesses(ctx, repo.ProcessFilter{
			ProjectName:     input.Project,
			Status:          input.Status,
			Limit:           input.Limit,
			CursorCreatedAt: input.CursorCreatedAt,
			CursorID:        input.CursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProcessResponse `json:"body"`
		}{Body: mapProcesses(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-process",
		Method:      http.MethodPost,
		Path:        "/processes/{instance_id}/cancel",
		Summary:     "Cancel process",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		InstanceID string        `path:"instance_id"`
		Body       CancelRequest `json:"body"`
	}) (*struct {
		Body ProcessResponse `json:"body"`
	}, error) {
		actorID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Cancel(ctx, input.InstanceID, actorID, input.Body.Force)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProcessResponse `json:"body"`
		}{Body: processResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-process",
		Method:      http.MethodPost,
		Path:        "/processes/{instance_id}/resume",
		Summary:     "Resume suspended process",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		InstanceID string        `path:"instance_id"`
		Body       ResumeRequest `json:"body"`
	}) (*struct {
		Body ProcessResponse `json:"body"`
	}, error) {
		actorID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Resume(ctx, input.InstanceID, actorID, input.Body.Args)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProcessResponse `json:"body"`
		}{Body: processResponse(p)}, nil
	})
}

// pullPollInterval is how often a waiting pull rechecks the queue.
const pullPollInterval = 250 * time.Millisecond

func registerQueue(api huma.API, e *engine.Engine, tokenSecret string) {
	huma.Register(api, huma.Operation{
		OperationID: "pull-process",
		Method:      http.MethodPost,
		Path:        "/queue/pull",
		Summary:     "Claim the next pending process",
		Description: "Returns an empty response when nothing matches; set wait_seconds to long-poll.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body PullRequest `json:"body"`
	}) (*struct {
		Body PullResponse `json:"body"`
	}, error) {
		agentID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		deadline := time.Now().Add(time.Duration(input.Body.WaitSeconds) * time.Second)
		for {
			res, err := e.ClaimNext(ctx, agentID, input.Body.Capabilities)
			if err != nil {
				return nil, handleError(err)
			}
			if res != nil {
				token, err := mintProcessToken(tokenSecret, res.Instance.ID, time.Now())
				if err != nil {
					return nil, handleError(err)
				}
				pr := processResponse(res.Instance)
				lease := LeaseResponse(res.Lease)
				return &struct {
					Body PullResponse `json:"body"`
				}{Body: PullResponse{
					Instance:     &pr,
					MergedConfig: res.Instance.MergedConfig,
					Lease:        &lease,
					ProcessToken: token,
				}}, nil
			}
			if !time.Now().Add(pullPollInterval).Before(deadline) {
				return &struct {
					Body PullResponse `json:"body"`
				}{Body: PullResponse{}}, nil
			}
			select {
			case <-ctx.Done():
				return nil, handleError(ctx.Err())
			case <-time.After(pullPollInterval):
			}
		}
	})

	huma.Register(api, huma.Operation{
		OperationID: "heartbeat-process",
		Method:      http.MethodPost,
		Path:        "/processes/{instance_id}/heartbeat",
		Summary:     "Renew lease",
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
	}) (*struct {
		Body LeaseResponse `json:"body"`
	}, error) {
		agentID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		lease, err := e.RenewLease(ctx, input.InstanceID, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LeaseResponse `json:"body"`
		}{Body: LeaseResponse(lease)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-process-status",
		Method:      http.MethodPost,
		Path:        "/processes/{instance_id}/status",
		Summary:     "Report terminal status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		InstanceID string                `path:"instance_id"`
		Body       TerminalReportRequest `json:"body"`
	}) (*struct {
		Body ProcessResponse `json:"body"`
	}, error) {
		agentID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.ReportTerminal(ctx, input.InstanceID, agentID, input.Body.Status, input.Body.LogRef); err != nil {
			return nil, handleError(err)
		}
		p, err := e.Repo.GetProcess(ctx, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProcessResponse `json:"body"`
		}{Body: processResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "suspend-process",
		Method:      http.MethodPost,
		Path:        "/processes/{instance_id}/suspend",
		Summary:     "Suspend running process",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
	}) (*struct {
		Body ProcessResponse `json:"body"`
	}, error) {
		agentID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Suspend(ctx, input.InstanceID, agentID); err != nil {
			return nil, handleError(err)
		}
		p, err := e.Repo.GetProcess(ctx, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProcessResponse `json:"body"`
		}{Body: processResponse(p)}, nil
	})
}

func registerKv(api huma.API, e *engine.Engine, tokenSecret string) {
	scope := func(ctx context.Context, token string) (string, huma.StatusError) {
		if strings.TrimSpace(token) == "" {
			return "", newAPIError(http.StatusForbidden, "forbidden", "process token required", nil)
		}
		instanceID, err := verifyProcessToken(tokenSecret, token)
		if err != nil {
			return "", newAPIError(http.StatusForbidden, "forbidden", "invalid process token", nil)
		}
		return instanceID, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "kv-get",
		Method:      http.MethodGet,
		Path:        "/kv/{key}",
		Summary:     "Get KV entry",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key          string `path:"key"`
		ProcessToken string `header:"X-Process-Token"`
	}) (*struct {
		Body KvValueResponse `json:"body"`
	}, error) {
		instanceID, scopeErr := scope(ctx, input.ProcessToken)
		if scopeErr != nil {
			return nil, scopeErr
		}
		entry, err := e.Repo.GetKv(ctx, instanceID, input.Key)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body KvValueResponse `json:"body"`
		}{Body: KvValueResponse{Key: entry.Key, Value: entry.Value}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "kv-put",
		Method:        http.MethodPut,
		Path:          "/kv/{key}",
		Summary:       "Put KV entry",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Key          string `path:"key"`
		ProcessToken string `header:"X-Process-Token"`
		Body         struct {
			Value string `json:"value"`
		} `json:"body"`
	}) (*struct{}, error) {
		instanceID, scopeErr := scope(ctx, input.ProcessToken)
		if scopeErr != nil {
			return nil, scopeErr
		}
		if err := e.Repo.PutKv(ctx, instanceID, input.Key, input.Body.Value); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "kv-delete",
		Method:        http.MethodDelete,
		Path:          "/kv/{key}",
		Summary:       "Delete KV entry",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key          string `path:"key"`
		ProcessToken string `header:"X-Process-Token"`
	}) (*struct{}, error) {
		instanceID, scopeErr := scope(ctx, input.ProcessToken)
		if scopeErr != nil {
			return nil, scopeErr
		}
		if err := e.Repo.DeleteKv(ctx, instanceID, input.Key); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerSecrets(api huma.API, e *engine.Engine) {
	requireGrant := func(ctx context.Context, project string) huma.StatusError {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return authErr
		}
		ok, err := e.Repo.HasSecretRead(ctx, project, ownerID)
		if err != nil {
			return handleError(err)
		}
		if !ok {
			return newAPIError(http.StatusForbidden, "forbidden", fmt.Sprintf("no secret access for project %s", project), nil)
		}
		return nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-secret",
		Method:      http.MethodGet,
		Path:        "/projects/{project}/secrets/{name}",
		Summary:     "Read secret",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Project string `path:"project"`
		Name    string `path:"name"`
	}) (*struct {
		Body SecretResponse `json:"body"`
	}, error) {
		if grantErr := requireGrant(ctx, input.Project); grantErr != nil {
			return nil, grantErr
		}
		s, err := e.Repo.GetSecret(ctx, input.Project, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SecretResponse `json:"body"`
		}{Body: SecretResponse{Project: s.ProjectName, Name: s.Name, Value: s.Value}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "put-secret",
		Method:        http.MethodPut,
		Path:          "/projects/{project}/secrets/{name}",
		Summary:       "Store secret",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Project string `path:"project"`
		Name    string `path:"name"`
		Body    struct {
			Value []byte `json:"value"`
		} `json:"body"`
	}) (*struct{}, error) {
		if grantErr := requireGrant(ctx, input.Project); grantErr != nil {
			return nil, grantErr
		}
		if err := e.Repo.PutSecret(ctx, input.Project, input.Name, input.Body.Value); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-secrets",
		Method:      http.MethodGet,
		Path:        "/projects/{project}/secrets",
		Summary:     "List secret names",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Project string `path:"project"`
	}) (*struct {
		Body []string `json:"body"`
	}, error) {
		if grantErr := requireGrant(ctx, input.Project); grantErr != nil {
			return nil, grantErr
		}
		names, err := e.Repo.ListSecretNames(ctx, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []string `json:"body"`
		}{Body: names}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events",
	}, func(ctx context.Context, input *struct {
		Project string `query:"project"`
		Type    string `query:"type"`
		AfterID int64  `query:"after_id"`
		Limit   int    `query:"limit" minimum:"0" maximum:"1000"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit == 0 {
			limit = 100
		}
		items, err := e.Repo.ListEvents(ctx, repo.EventFilter{
			ProjectName: input.Project,
			Type:        input.Type,
			AfterID:     input.AfterID,
			Limit:       limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]EventResponse, 0, len(items))
		for _, ev := range items {
			res = append(res, eventResponse(ev))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerAgents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List connected agents",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []AgentResponse `json:"body"`
	}, error) {
		agents := e.Hub.Agents()
		res := make([]AgentResponse, 0, len(agents))
		for _, a := range agents {
			res = append(res, AgentResponse(a))
		}
		return &struct {
			Body []AgentResponse `json:"body"`
		}{Body: res}, nil
	})
}
