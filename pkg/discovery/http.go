package discovery

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/openfabric/opserver/pkg/partition"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	collectorService = "Collector"
	partitionService = "AlarmPartition"
)

type Config struct {
	Server       string        `yaml:"disc_server_ip"`
	Port         int           `yaml:"disc_server_port"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Server, prefix+".server", "", "Discovery server IP. Empty disables discovery.")
	f.IntVar(&cfg.Port, prefix+".port", 5998, "Discovery server port.")
	f.DurationVar(&cfg.PollInterval, prefix+".poll-interval", 10*time.Second, "How often to refresh the discovery lists.")
}

// HTTPClient talks to the discovery service's REST interface.
type HTTPClient struct {
	base   string
	client *http.Client
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(cfg Config) *HTTPClient {
	return &HTTPClient{
		base:   fmt.Sprintf("http://%s:%d", cfg.Server, cfg.Port),
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *HTTPClient) Collectors(ctx context.Context) ([]Collector, error) {
	var body struct {
		Collector []Collector `json:"Collector"`
	}
	if err := c.get(ctx, collectorService, &body); err != nil {
		return nil, err
	}
	return body.Collector, nil
}

func (c *HTTPClient) Partitions(ctx context.Context) ([]partition.Assignment, error) {
	var body struct {
		AlarmPartition []struct {
			Partition  string `json:"partition"`
			InstanceID string `json:"instance-id"`
			IP         string `json:"ip-address"`
			Port       string `json:"redis-port"`
			AcqTime    string `json:"acq-time"`
		} `json:"AlarmPartition"`
	}
	if err := c.get(ctx, partitionService, &body); err != nil {
		return nil, err
	}

	out := make([]partition.Assignment, 0, len(body.AlarmPartition))
	for _, rec := range body.AlarmPartition {
		a := partition.Assignment{
			Owner: partition.Owner{
				InstanceID: rec.InstanceID,
				IP:         rec.IP,
			},
		}
		// Discovery publishes every attribute as a string.
		if _, err := fmt.Sscanf(rec.Partition, "%d", &a.Partition); err != nil {
			continue
		}
		if _, err := fmt.Sscanf(rec.Port, "%d", &a.Port); err != nil {
			continue
		}
		if _, err := fmt.Sscanf(rec.AcqTime, "%d", &a.AcqTime); err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (c *HTTPClient) get(ctx context.Context, service string, into interface{}) error {
	url := fmt.Sprintf("%s/services/%s", c.base, service)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "discovery request for %s failed", service)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("discovery returned %d for %s", resp.StatusCode, service)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "discovery request for %s failed", service)
	}
	return errors.Wrapf(json.Unmarshal(raw, into), "undecodable discovery response for %s", service)
}
