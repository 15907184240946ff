package memory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/getzep/zep-go/v2"
	zepclient "github.com/getzep/zep-go/v2/client"
	"github.com/getzep/zep-go/v2/core"
	"github.com/getzep/zep-go/v2/option"
)

// DefaultZepBaseURL is the hosted Zep Cloud API.
const DefaultZepBaseURL = "https://api.getzep.com/api/v2"

const zepSearchLimit = 20

// ZepConfig configures the Zep client.
type ZepConfig struct {
	APIKey     string
	BaseURL    string
	UserPrefix string
	// GroupID is stored on users created by this client.
	GroupID string
	// Query steers the graph search toward identity and interests.
	Query string
	// Topics are matched against facts to derive interests.
	Topics     TopicsFunc
	HTTPClient *http.Client
}

// Zep stores facts in a Zep knowledge graph, one graph per user.
type Zep struct {
	cfg    ZepConfig
	client *zepclient.Client

	// users already known to exist, so Remember skips the lookup.
	known sync.Map
}

// NewZep creates a Zep client. Requests are not retried; a failed lookup is
// cached by the caller for the rest of the session.
func NewZep(cfg ZepConfig) *Zep {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultZepBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Query == "" {
		cfg.Query = "user name interests preferences topics discussed"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	client := zepclient.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
		option.WithHTTPClient(httpClient),
		option.WithMaxAttempts(1),
	)
	return &Zep{cfg: cfg, client: client}
}

func (z *Zep) userID(id string) string {
	if z.cfg.UserPrefix == "" || strings.HasPrefix(id, z.cfg.UserPrefix) {
		return id
	}
	return z.cfg.UserPrefix + id
}

// Fetch searches the user's graph for fact edges.
func (z *Zep) Fetch(ctx context.Context, userID string) FetchResult {
	if userID == "" {
		return NotFound()
	}

	res, err := z.client.Graph.Search(ctx, &zep.GraphSearchQuery{
		UserID: zep.String(z.userID(userID)),
		Query:  z.cfg.Query,
		Limit:  zep.Int(zepSearchLimit),
		Scope:  zep.GraphSearchScopeEdges.Ptr(),
	})
	if err != nil {
		if isZepNotFound(err) {
			return NotFound()
		}
		return Failed(fmt.Errorf("zep graph search: %w", err))
	}

	var facts []string
	if res != nil {
		facts = make([]string, 0, len(res.Edges))
		for _, e := range res.Edges {
			if e == nil {
				continue
			}
			if f := strings.TrimSpace(e.Fact); f != "" {
				facts = append(facts, f)
			}
		}
	}
	if len(facts) == 0 {
		return NotFound()
	}
	return Found(buildContext(facts, z.cfg.Topics.list()))
}

// Remember adds one message to the user's graph, creating the user first
// when needed.
func (z *Zep) Remember(ctx context.Context, userID, text, role string) error {
	if userID == "" || strings.TrimSpace(text) == "" {
		return nil
	}
	id := z.userID(userID)
	if err := z.ensureUser(ctx, id); err != nil {
		return err
	}

	_, err := z.client.Graph.Add(ctx, &zep.AddDataRequest{
		UserID: zep.String(id),
		Type:   zep.GraphDataTypeMessage,
		Data:   role + ": " + text,
	})
	if err != nil {
		return fmt.Errorf("zep graph add: %w", err)
	}
	return nil
}

func (z *Zep) ensureUser(ctx context.Context, id string) error {
	if _, ok := z.known.Load(id); ok {
		return nil
	}

	_, err := z.client.User.Get(ctx, id)
	switch {
	case err == nil:
	case isZepNotFound(err):
		req := &zep.CreateUserRequest{UserID: zep.String(id)}
		if z.cfg.GroupID != "" {
			req.Metadata = map[string]interface{}{"group_id": z.cfg.GroupID}
		}
		if _, err := z.client.User.Add(ctx, req); err != nil {
			return fmt.Errorf("zep create user: %w", err)
		}
	default:
		return fmt.Errorf("zep get user: %w", err)
	}

	z.known.Store(id, struct{}{})
	return nil
}

func isZepNotFound(err error) bool {
	var nf *zep.NotFoundError
	if errors.As(err, &nf) {
		return true
	}
	var apiErr *core.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
