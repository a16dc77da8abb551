package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"go.uber.org/zap"

	"github.com/vllm-project/router/internal/endpoint"
)

// ClusterConfig configures the Cluster (k8s) discovery variant (§4.1).
type ClusterConfig struct {
	Clientset     kubernetes.Interface
	Namespace     string
	LabelSelector string
	EnginePort    int
	APIKey        string

	// ModelFetchTimeout must be strictly shorter than the watch
	// stream's own timeout so a slow engine never blocks later events.
	ModelFetchTimeout time.Duration
	MaxConcurrentFetch int

	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Cluster watches pods in a namespace and discovers served models per
// pod via GET /v1/models (§4.1 "Cluster").
type Cluster struct {
	registry *endpoint.Registry
	cfg      ClusterConfig
	client   *http.Client
	logger   *zap.Logger

	sem chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup

	pending   map[string]context.CancelFunc // podName -> cancel of its in-flight fetch
	pendingMu sync.Mutex
}

// NewCluster builds and starts a Cluster discovery instance.
func NewCluster(cfg ClusterConfig) *Cluster {
	if cfg.ModelFetchTimeout <= 0 {
		cfg.ModelFetchTimeout = 2 * time.Second
	}
	if cfg.MaxConcurrentFetch <= 0 {
		cfg.MaxConcurrentFetch = 8
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.ModelFetchTimeout + time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Cluster{
		registry: endpoint.NewRegistry(),
		cfg:      cfg,
		client:   client,
		logger:   logger,
		sem:      make(chan struct{}, cfg.MaxConcurrentFetch),
		stopCh:   make(chan struct{}),
		pending:  make(map[string]context.CancelFunc),
	}

	c.wg.Add(1)
	go c.watchLoop()
	return c
}

func (c *Cluster) Snapshot() []endpoint.Endpoint    { return c.registry.Snapshot() }
func (c *Cluster) UnhealthyHashes() []endpoint.Hash { return c.registry.UnhealthyHashes() }
func (c *Cluster) MarkUnhealthy(h endpoint.Hash)     { c.registry.MarkUnhealthy(h) }

// Registry exposes the underlying endpoint registry for callers that
// need the full surface (model union, sleep control) beyond the
// Discovery interface's four operations.
func (c *Cluster) Registry() *endpoint.Registry { return c.registry }

func (c *Cluster) Close() error {
	close(c.stopCh)
	c.wg.Wait()
	return nil
}

// watchLoop runs the pod watch on a dedicated goroutine (§5 "OS thread
// pool only for watch streams that block"), restarting the watch on
// error with a short backoff.
func (c *Cluster) watchLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		watcher, err := c.cfg.Clientset.CoreV1().Pods(c.cfg.Namespace).Watch(context.Background(), metav1.ListOptions{
			LabelSelector: c.cfg.LabelSelector,
		})
		if err != nil {
			c.logger.Warn("pod watch failed, retrying", zap.Error(err))
			select {
			case <-c.stopCh:
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}

		c.consume(watcher)
	}
}

func (c *Cluster) consume(watcher watch.Interface) {
	defer watcher.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case event, ok := <-watcher.ResultChan():
			if !ok {
				return
			}
			pod, ok := event.Object.(*corev1.Pod)
			if !ok {
				continue
			}
			switch event.Type {
			case watch.Added, watch.Modified:
				c.handleAddOrModify(pod)
			case watch.Deleted:
				c.registry.RemoveByPod(pod.Name)
				c.cancelPending(pod.Name)
			}
		}
	}
}

func (c *Cluster) handleAddOrModify(pod *corev1.Pod) {
	ready := isPodReady(pod)
	if !ready || pod.Status.PodIP == "" {
		c.registry.RemoveByPod(pod.Name)
		c.cancelPending(pod.Name)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.setPending(pod.Name, cancel)

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}

	go func() {
		defer func() { <-c.sem }()
		defer c.clearPending(pod.Name)
		c.discoverModels(ctx, pod)
	}()
}

// discoverModels fetches /v1/models from a ready pod and reconciles
// the registry: newly reported models are added, previously reported
// ones no longer present are removed — but a fetch error preserves the
// last known-good set unchanged (§4.1, §8 "discovery liveness").
func (c *Cluster) discoverModels(ctx context.Context, pod *corev1.Pod) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.ModelFetchTimeout)
	defer cancel()

	url := fmt.Sprintf("http://%s:%d", pod.Status.PodIP, c.cfg.EnginePort)
	models, err := fetchModels(fetchCtx, c.client, url, c.cfg.APIKey)
	if err != nil {
		c.logger.Debug("model discovery fetch failed, keeping last known models",
			zap.String("pod", pod.Name), zap.Error(err))
		return
	}

	now := time.Now()
	current := map[string]struct{}{}
	for _, m := range models {
		current[m] = struct{}{}
		c.registry.Upsert(endpoint.New(url, m, roleFromPod(pod), pod.Name, now))
	}

	for _, e := range c.registry.Snapshot() {
		if e.PodName != pod.Name {
			continue
		}
		if _, ok := current[e.Model]; !ok {
			c.registry.Remove(e.Hash)
		}
	}
}

func (c *Cluster) setPending(pod string, cancel context.CancelFunc) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if old, ok := c.pending[pod]; ok {
		old()
	}
	c.pending[pod] = cancel
}

func (c *Cluster) clearPending(pod string) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	delete(c.pending, pod)
}

func (c *Cluster) cancelPending(pod string) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if cancel, ok := c.pending[pod]; ok {
		cancel()
		delete(c.pending, pod)
	}
}

func isPodReady(pod *corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

func roleFromPod(pod *corev1.Pod) endpoint.Role {
	switch pod.Labels["role"] {
	case "prefill":
		return endpoint.RolePrefill
	case "decode":
		return endpoint.RoleDecode
	case "transcription":
		return endpoint.RoleTranscription
	default:
		return endpoint.RoleNone
	}
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func fetchModels(ctx context.Context, client *http.Client, baseURL, apiKey string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s/v1/models", resp.StatusCode, baseURL)
	}
	var parsed modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(parsed.Data))
	for _, d := range parsed.Data {
		out = append(out, d.ID)
	}
	return out, nil
}
