// Package client is the control surface of the model-serving runtime:
// installing and registering workloads through the packaging tool, and
// probing health and invoking inference over HTTP.
package client

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultHealthCheckTimeout bounds a single health probe.
	DefaultHealthCheckTimeout = 2 * time.Second

	// toolWaitDelay is how long a cancelled tool subprocess may take to exit
	// before its pipes are forcibly closed.
	toolWaitDelay = 5 * time.Second

	// endpointEnvVar tells the packaging tool which server to register with.
	endpointEnvVar = "MLOS_CORE_ENDPOINT"
)

// ErrAlreadyRegistered is returned by Register when the runtime already
// knows the workload. Callers treat it as success.
var ErrAlreadyRegistered = errors.New("workload already registered")

// Client drives the runtime. Operations do not retry; deadlines are carried
// by ctx.
type Client interface {
	// Install downloads and converts the workload artifact and returns its
	// location.
	Install(ctx context.Context, workloadID string) (string, error)

	// Register makes the installed workload servable.
	Register(ctx context.Context, workloadID, artifactPath string) error

	// Health performs a single non-blocking readiness probe.
	Health(ctx context.Context) bool

	// Invoke sends one inference request. A non-2xx status is reported in
	// the response, not as an error.
	Invoke(ctx context.Context, workloadID string, payload any) (*Response, error)

	// Endpoint returns the server base URL.
	Endpoint() string
}

// Response is the raw outcome of an inference request.
type Response struct {
	Status     int
	Body       []byte
	Latency    time.Duration
	ServerTime time.Duration
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Config for the runtime client.
type Config struct {
	Endpoint   string
	ToolPath   string
	CacheDir   string
	WorkDir    string
	ToolEnv    map[string]string
	HTTPClient *http.Client
}

// NewClient creates a runtime client.
func NewClient(log logrus.FieldLogger, cfg *Config) Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &client{
		log:      log.WithField("component", "runtime-client"),
		cfg:      cfg,
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		http:     httpClient,
	}
}

type client struct {
	log      logrus.FieldLogger
	cfg      *Config
	endpoint string
	http     *http.Client
}

// Ensure interface compliance.
var _ Client = (*client)(nil)

// Endpoint returns the server base URL.
func (c *client) Endpoint() string {
	return c.endpoint
}
