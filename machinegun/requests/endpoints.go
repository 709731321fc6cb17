package requests

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/PeladoCollado/machinegun/types"
	"github.com/google/uuid"
)

const queueTaskPath = "/queue-task"

// endpointMixes are the per-mode endpoint lists of the target service.
var endpointMixes = map[types.AttackMode][]string{
	types.ModeDDOS: {
		"/cpu-intensive",
		"/memory-intensive",
		"/database-heavy",
		"/slow-endpoint",
		"/error-prone",
	},
	types.ModeBurst: {
		"/cpu-intensive?n=100000",
		"/memory-intensive?size_mb=50",
		"/database-heavy?queries=50",
		queueTaskPath,
	},
	types.ModeSustained: {
		"/cpu-intensive?n=500000",
		"/memory-intensive?size_mb=25",
		"/database-heavy?queries=25",
		"/slow-endpoint?delay=1.0",
	},
	types.ModeRandom: {
		"/cpu-intensive",
		"/memory-intensive",
		"/database-heavy",
		"/slow-endpoint",
		"/error-prone",
		queueTaskPath,
		"/metrics",
	},
}

type queueTask struct {
	Task string `json:"task"`
	Data string `json:"data"`
}

// EndpointMixSource picks a random endpoint from the mode's mix for every request.
type EndpointMixSource struct {
	mode      types.AttackMode
	endpoints []string
	rng       *rand.Rand
	now       func() time.Time
}

func NewEndpointMixSource(mode types.AttackMode, rng *rand.Rand) (*EndpointMixSource, error) {
	endpoints, ok := endpointMixes[mode]
	if !ok {
		return nil, fmt.Errorf("no endpoint mix for attack mode %s", mode)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &EndpointMixSource{
		mode:      mode,
		endpoints: endpoints,
		rng:       rng,
		now:       time.Now,
	}, nil
}

func (e *EndpointMixSource) Next() (types.RequestSpec, error) {
	endpoint := e.endpoints[e.rng.Intn(len(e.endpoints))]
	path, query, _ := strings.Cut(endpoint, "?")
	if path != queueTaskPath {
		return types.RequestSpec{Method: http.MethodGet, Path: path, QueryString: query}, nil
	}

	body, err := json.Marshal(queueTask{
		Task: fmt.Sprintf("%s_task_%d", e.mode, e.now().Unix()),
		Data: uuid.NewString(),
	})
	if err != nil {
		return types.RequestSpec{}, fmt.Errorf("encode queue task: %w", err)
	}
	return types.RequestSpec{
		Method:  http.MethodPost,
		Path:    path,
		Headers: map[string][]string{"Content-Type": {"application/json"}},
		Body:    string(body),
	}, nil
}

func (e *EndpointMixSource) Reset() error {
	return nil
}

// TargetSource sends every request to the target URL itself.
type TargetSource struct {
	method string
}

func NewTargetSource(method string) *TargetSource {
	if method == "" {
		method = http.MethodGet
	}
	return &TargetSource{method: strings.ToUpper(method)}
}

func (t *TargetSource) Next() (types.RequestSpec, error) {
	return types.RequestSpec{Method: t.method}, nil
}

func (t *TargetSource) Reset() error {
	return nil
}
