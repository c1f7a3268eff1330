package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"relabel/internal/domain"
	"relabel/internal/queue"
	"relabel/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Queue    queue.Queue
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"lease_ownership"`
	Message string         `json:"message" example:"lease held by another user"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the relabel API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Queue.Repo))
	hcfg := huma.DefaultConfig("Relabel API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerLogin(group, cfg)
	registerQueue(group, cfg.Queue)
	registerItems(group, cfg.Queue)
	registerMe(group, cfg.Queue)
	registerUsers(group, cfg.Queue)

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

// handleError maps core errors onto the HTTP envelope. The taxonomy is
// fixed: no core error is ever swallowed or retried here.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, queue.ErrNoWork):
		return newAPIError(http.StatusNotFound, "no_work", err.Error(), nil)
	case errors.Is(err, queue.ErrNotLeased):
		return newAPIError(http.StatusConflict, "not_leased", err.Error(), nil)
	case errors.Is(err, queue.ErrNotOwner):
		return newAPIError(http.StatusForbidden, "lease_ownership", err.Error(), nil)
	case errors.Is(err, queue.ErrDuplicateLease):
		return newAPIError(http.StatusConflict, "duplicate_lease", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

func registerLogin(api huma.API, cfg Config) {
	type loginBody struct {
		Username string `json:"username" minLength:"1"`
		Password string `json:"password" minLength:"1"`
	}
	type loginResponse struct {
		Body struct {
			Token string      `json:"token"`
			User  domain.User `json:"user"`
		} `json:"body"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Exchange credentials for a bearer token",
	}, func(ctx context.Context, input *struct {
		Body loginBody
	}) (*loginResponse, error) {
		user, err := cfg.Queue.Repo.GetUser(ctx, input.Body.Username)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
			}
			return nil, handleError(err)
		}
		if !VerifyPassword(user.PasswordHash, input.Body.Password) {
			return nil, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
		}
		token, err := IssueToken(cfg.Auth.JWTSecret, user, cfg.Auth.TokenTTL, cfg.Queue.Now())
		if err != nil {
			return nil, handleError(err)
		}
		resp := &loginResponse{}
		resp.Body.Token = token
		resp.Body.User = user
		return resp, nil
	})
}

type leasedItem struct {
	Item  domain.WorkItem `json:"item"`
	Lease domain.Lease    `json:"lease"`
}

func registerQueue(api huma.API, q queue.Queue) {
	huma.Register(api, huma.Operation{
		OperationID:   "acquire-next",
		Method:        http.MethodPost,
		Path:          "/queue/next",
		Summary:       "Claim the next pending work item",
		DefaultStatus: http.StatusOK,
		Errors:        []int{http.StatusNotFound, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body leasedItem `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, lease, err := q.AcquireNext(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body leasedItem `json:"body"`
		}{Body: leasedItem{Item: item, Lease: lease}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "queue-status",
		Method:      http.MethodGet,
		Path:        "/queue/status",
		Summary:     "Lease counts by status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		counts, err := q.Counts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		body := map[string]int{
			string(domain.StatusPending):   counts[domain.StatusPending],
			string(domain.StatusLeased):    counts[domain.StatusLeased],
			string(domain.StatusCompleted): counts[domain.StatusCompleted],
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: body}, nil
	})
}

func registerItems(api huma.API, q queue.Queue) {
	type itemPath struct {
		ID int64 `path:"id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/items",
		Summary:     "List work items",
	}, func(ctx context.Context, input *struct {
		AccessionID string `query:"accession_id"`
		Incomplete  bool   `query:"incomplete"`
		Limit       int    `query:"limit"`
	}) (*struct {
		Body []domain.WorkItem `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		items, err := q.Repo.ListWorkItems(ctx, repo.WorkItemFilters{
			AccessionID: input.AccessionID,
			Incomplete:  input.Incomplete,
			Limit:       limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.WorkItem `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/items/{id}",
		Summary:     "Fetch one work item with its lease",
	}, func(ctx context.Context, input *itemPath) (*struct {
		Body leasedItem `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		item, err := q.Repo.GetWorkItem(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		lease, err := q.Repo.GetLease(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body leasedItem `json:"body"`
		}{Body: leasedItem{Item: item, Lease: lease}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/release",
		Summary:     "Return a leased item to the queue",
		Errors:      []int{http.StatusConflict, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *itemPath) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := q.Release(ctx, input.ID, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "released"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/complete",
		Summary:     "Submit an accepted correction",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   int64 `path:"id"`
		Body domain.CorrectedFields
	}) (*struct {
		Body domain.Version `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		// Completeness is asserted by the reviewer, never inferred; it
		// requires the key fields to actually be filled in.
		if input.Body.Complete && (input.Body.AccessionID == "" || input.Body.Stain == "") {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "accession_id and stain are required to mark an item complete", nil)
		}
		v, err := q.Complete(ctx, input.ID, actor, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Version `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "item-history",
		Method:      http.MethodGet,
		Path:        "/items/{id}/history",
		Summary:     "Version history for a work item",
	}, func(ctx context.Context, input *itemPath) (*struct {
		Body []domain.Version `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := q.Repo.GetWorkItem(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		versions, err := q.History(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Version `json:"body"`
		}{Body: versions}, nil
	})
}

func registerMe(api huma.API, q queue.Queue) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current user",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		user, err := q.Repo.GetUser(ctx, actor.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: user}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "my-active-lease",
		Method:      http.MethodGet,
		Path:        "/me/lease",
		Summary:     "The caller's active lease, if any",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Lease `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		lease, err := q.ActiveLease(ctx, actor.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Lease `json:"body"`
		}{Body: lease}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "my-history",
		Method:      http.MethodGet,
		Path:        "/me/history",
		Summary:     "Items completed by the caller, most recent first",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit"`
	}) (*struct {
		Body []leasedItem `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		leases, err := q.Repo.CompletedBy(ctx, actor.ID, limit)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]leasedItem, 0, len(leases))
		for _, l := range leases {
			item, err := q.Repo.GetWorkItem(ctx, l.WorkItemID)
			if err != nil {
				return nil, handleError(err)
			}
			res = append(res, leasedItem{Item: item, Lease: l})
		}
		return &struct {
			Body []leasedItem `json:"body"`
		}{Body: res}, nil
	})
}

func registerUsers(api huma.API, q queue.Queue) {
	type createUserBody struct {
		Username string `json:"username" minLength:"1"`
		Password string `json:"password" minLength:"8"`
		Admin    bool   `json:"admin,omitempty"`
	}
	huma.Register(api, huma.Operation{
		OperationID:   "create-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Create a reviewer account",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body createUserBody
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !actor.Admin {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "admin privilege required", nil)
		}
		user := domain.User{
			ID:           input.Body.Username,
			PasswordHash: HashPassword(input.Body.Password),
			Admin:        input.Body.Admin,
			CreatedAt:    q.Now().UTC().Format(time.RFC3339),
		}
		if err := q.Repo.InsertUser(ctx, nil, user); err != nil {
			if strings.Contains(err.Error(), "UNIQUE") {
				return nil, newAPIError(http.StatusConflict, "conflict", "username already exists", nil)
			}
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: user}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List reviewer accounts",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.User `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !actor.Admin {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "admin privilege required", nil)
		}
		users, err := q.Repo.ListUsers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.User `json:"body"`
		}{Body: users}, nil
	})
}
