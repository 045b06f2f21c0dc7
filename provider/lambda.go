package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/ruteri/compute-wallet-billing/interfaces"
)

// DefaultBaseURL is the public Lambda Cloud API.
const DefaultBaseURL = "https://cloud.lambda.ai/api/v1"

// Instance states reported by the API.
const (
	StatusBooting     = "booting"
	StatusActive      = "active"
	StatusUnhealthy   = "unhealthy"
	StatusTerminating = "terminating"
	StatusTerminated  = "terminated"
	StatusPreempted   = "preempted"
)

// LambdaClient talks to the Lambda Cloud instance API.
type LambdaClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *slog.Logger
}

// NewLambdaClient creates a client. An empty baseURL selects DefaultBaseURL.
func NewLambdaClient(baseURL, apiKey string, timeout time.Duration, log *slog.Logger) (*LambdaClient, error) {
	if apiKey == "" {
		return nil, errors.New("lambda api key is required")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &LambdaClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}, nil
}

type apiError struct {
	Error struct {
		Code       string `json:"code"`
		Message    string `json:"message"`
		Suggestion string `json:"suggestion"`
	} `json:"error"`
}

func (c *LambdaClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("failed to read response of %s %s: %w", method, path, err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Code != "" {
			return fmt.Errorf("%s %s returned %d: %s: %s", method, path, resp.StatusCode, apiErr.Error.Code, apiErr.Error.Message)
		}
		return fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("could not parse response of %s %s: %w", method, path, err)
	}
	return nil
}

// ListInstanceTypes returns the offered instance types sorted by name.
func (c *LambdaClient) ListInstanceTypes(ctx context.Context) ([]interfaces.InstanceType, error) {
	var resp struct {
		Data map[string]struct {
			InstanceType struct {
				Name              string `json:"name"`
				Description       string `json:"description"`
				PriceCentsPerHour int64  `json:"price_cents_per_hour"`
				Specs             struct {
					VCPUs      int `json:"vcpus"`
					MemoryGiB  int `json:"memory_gib"`
					StorageGiB int `json:"storage_gib"`
					GPUs       int `json:"gpus"`
				} `json:"specs"`
			} `json:"instance_type"`
			Regions []struct {
				Name string `json:"name"`
			} `json:"regions_with_capacity_available"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/instance-types", nil, &resp); err != nil {
		return nil, err
	}

	types := make([]interfaces.InstanceType, 0, len(resp.Data))
	for key, entry := range resp.Data {
		it := interfaces.InstanceType{
			Name:              entry.InstanceType.Name,
			Description:       entry.InstanceType.Description,
			PriceCentsPerHour: entry.InstanceType.PriceCentsPerHour,
			VCPUs:             entry.InstanceType.Specs.VCPUs,
			MemoryGiB:         entry.InstanceType.Specs.MemoryGiB,
			StorageGiB:        entry.InstanceType.Specs.StorageGiB,
			GPUs:              entry.InstanceType.Specs.GPUs,
		}
		if it.Name == "" {
			it.Name = key
		}
		for _, r := range entry.Regions {
			it.Regions = append(it.Regions, r.Name)
		}
		types = append(types, it)
	}
	sort.Slice(types, func(i, j int) bool { return types[i].Name < types[j].Name })
	return types, nil
}

// Launch starts one instance and returns its id.
func (c *LambdaClient) Launch(ctx context.Context, spec interfaces.LaunchSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	var resp struct {
		Data struct {
			InstanceIDs []string `json:"instance_ids"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/instance-operations/launch", spec, &resp); err != nil {
		return "", err
	}
	if len(resp.Data.InstanceIDs) == 0 {
		return "", errors.New("launch response contained no instance ids")
	}
	c.log.Info("Launched instance", "instance", resp.Data.InstanceIDs[0], "type", spec.InstanceType, "region", spec.Region)
	return resp.Data.InstanceIDs[0], nil
}

// Terminate terminates the given instances.
func (c *LambdaClient) Terminate(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return fmt.Errorf("%w: no instance ids", interfaces.ErrValidation)
	}
	body := map[string][]string{"instance_ids": ids}
	if err := c.do(ctx, http.MethodPost, "/instance-operations/terminate", body, nil); err != nil {
		return err
	}
	c.log.Info("Terminated instances", "instances", ids)
	return nil
}

// Stop halts billing-relevant usage of an instance. The API offers no
// suspend operation, so the instance is terminated.
func (c *LambdaClient) Stop(ctx context.Context, id string) error {
	return c.Terminate(ctx, []string{id})
}

// ListInstances returns every instance of the account.
func (c *LambdaClient) ListInstances(ctx context.Context) ([]interfaces.Instance, error) {
	var resp struct {
		Data []struct {
			ID     string `json:"id"`
			Name   string `json:"name"`
			IP     string `json:"ip"`
			Status string `json:"status"`
			Region struct {
				Name string `json:"name"`
			} `json:"region"`
			InstanceType struct {
				Name string `json:"name"`
			} `json:"instance_type"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/instances", nil, &resp); err != nil {
		return nil, err
	}

	instances := make([]interfaces.Instance, 0, len(resp.Data))
	for _, d := range resp.Data {
		instances = append(instances, interfaces.Instance{
			ID:           d.ID,
			Status:       d.Status,
			Name:         d.Name,
			IP:           d.IP,
			Region:       d.Region.Name,
			InstanceType: d.InstanceType.Name,
		})
	}
	return instances, nil
}

// ResourceStatus maps an API instance state onto the billing lifecycle.
// Unknown states map to the empty status.
func ResourceStatus(apiStatus string) interfaces.ResourceStatus {
	switch apiStatus {
	case StatusBooting:
		return interfaces.ResourcePending
	case StatusActive, StatusUnhealthy:
		return interfaces.ResourceRunning
	case StatusTerminating, StatusTerminated, StatusPreempted:
		return interfaces.ResourceTerminated
	default:
		return ""
	}
}
