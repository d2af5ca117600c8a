package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/cuemby/fleetctl/pkg/errs"
)

// CLIClient implements ProviderClient by shelling out to a cloud-provider
// CLI binary (e.g. "az") and parsing its JSON output. Each invocation
// respects ctx's deadline; a non-zero exit surfaces the binary's stderr
// text verbatim inside the returned error.
type CLIClient struct {
	// Binary is the provider CLI executable name or path (e.g. "az").
	Binary string
}

// NewCLIClient returns a CLIClient wrapping the named provider CLI binary.
func NewCLIClient(binary string) *CLIClient {
	if binary == "" {
		binary = "az"
	}
	return &CLIClient{Binary: binary}
}

func (c *CLIClient) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, &errs.TimeoutError{Operation: fmt.Sprintf("%s %v", c.Binary, args), Timeout: "context deadline"}
		}
		return nil, &errs.QuotaOrPermissionError{ProviderMessage: stderr.String()}
	}
	return stdout.Bytes(), nil
}

type vmJSON struct {
	Name          string            `json:"name"`
	ResourceGroup string            `json:"resourceGroup"`
	Location      string            `json:"location"`
	VMSize        string            `json:"vmSize"`
	PublicIP      string            `json:"publicIps"`
	PowerState    string            `json:"powerState"`
	Tags          map[string]string `json:"tags"`
	CreatedAt     time.Time         `json:"timeCreated"`
}

// ListVMs shells "<binary> vm list -d -g <rg>" and parses the JSON array.
func (c *CLIClient) ListVMs(ctx context.Context, resourceGroup string, includeStopped bool) ([]VMInfo, error) {
	args := []string{"vm", "list", "-d", "-g", resourceGroup, "-o", "json"}
	out, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}

	var raw []vmJSON
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, &errs.IntegrityError{Path: "provider vm list output", Reason: err.Error()}
	}

	result := make([]VMInfo, 0, len(raw))
	for _, v := range raw {
		if !includeStopped && (v.PowerState == "Stopped" || v.PowerState == "Deallocated") {
			continue
		}
		result = append(result, VMInfo{
			Name:          v.Name,
			ResourceGroup: v.ResourceGroup,
			Location:      v.Location,
			VMSize:        v.VMSize,
			PublicIP:      v.PublicIP,
			PowerState:    v.PowerState,
			Tags:          v.Tags,
			CreatedAt:     v.CreatedAt,
		})
	}
	return result, nil
}

// StartVM shells "<binary> vm start".
func (c *CLIClient) StartVM(ctx context.Context, name, resourceGroup string, wait bool) error {
	args := []string{"vm", "start", "-n", name, "-g", resourceGroup}
	if !wait {
		args = append(args, "--no-wait")
	}
	_, err := c.run(ctx, args...)
	return err
}

// StopVM shells "<binary> vm stop" or "vm deallocate".
func (c *CLIClient) StopVM(ctx context.Context, name, resourceGroup string, deallocate, wait bool) error {
	sub := "stop"
	if deallocate {
		sub = "deallocate"
	}
	args := []string{"vm", sub, "-n", name, "-g", resourceGroup}
	if !wait {
		args = append(args, "--no-wait")
	}
	_, err := c.run(ctx, args...)
	return err
}

type activityJSON struct {
	OperationName struct {
		Value string `json:"value"`
	} `json:"operationName"`
	EventTimestamp time.Time `json:"eventTimestamp"`
	ResourceID     string    `json:"resourceId"`
	Status         struct {
		Value string `json:"value"`
	} `json:"status"`
}

// ActivityLog shells "<binary> monitor activity-log list".
func (c *CLIClient) ActivityLog(ctx context.Context, resourceGroup, filter string, startTime time.Time) ([]ActivityEvent, error) {
	args := []string{
		"monitor", "activity-log", "list",
		"-g", resourceGroup,
		"--start-time", startTime.UTC().Format(time.RFC3339),
		"-o", "json",
	}
	if filter != "" {
		args = append(args, "--filters", filter)
	}
	out, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}

	var raw []activityJSON
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, &errs.IntegrityError{Path: "provider activity-log output", Reason: err.Error()}
	}

	events := make([]ActivityEvent, 0, len(raw))
	for _, e := range raw {
		events = append(events, ActivityEvent{
			OperationName: e.OperationName.Value,
			Timestamp:     e.EventTimestamp,
			VMName:        e.ResourceID,
			Status:        e.Status.Value,
		})
	}
	return events, nil
}

type metricJSON struct {
	Value []struct {
		Timeseries []struct {
			Data []struct {
				TimeStamp time.Time `json:"timeStamp"`
				Average   float64   `json:"average"`
			} `json:"data"`
		} `json:"timeseries"`
	} `json:"value"`
}

// Metrics shells "<binary> monitor metrics list".
func (c *CLIClient) Metrics(ctx context.Context, resource, metricName string, startTime time.Time, aggregation, interval string) ([]MetricPoint, error) {
	args := []string{
		"monitor", "metrics", "list",
		"--resource", resource,
		"--metric", metricName,
		"--start-time", startTime.UTC().Format(time.RFC3339),
		"--aggregation", aggregation,
		"--interval", interval,
		"-o", "json",
	}
	out, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}

	var raw metricJSON
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, &errs.IntegrityError{Path: "provider metrics output", Reason: err.Error()}
	}

	var points []MetricPoint
	for _, v := range raw.Value {
		for _, ts := range v.Timeseries {
			for _, d := range ts.Data {
				points = append(points, MetricPoint{Timestamp: d.TimeStamp, Average: d.Average})
			}
		}
	}
	return points, nil
}

// UpdateVMKey shells "<binary> vm user update" to install a new authorized key.
func (c *CLIClient) UpdateVMKey(ctx context.Context, name, resourceGroup, publicKey string) error {
	_, err := c.run(ctx, "vm", "user", "update",
		"-n", name, "-g", resourceGroup,
		"--username", "azureuser",
		"--ssh-key-value", publicKey,
	)
	return err
}

type costJSON struct {
	Value float64 `json:"value"`
}

// MonthlySpend shells "<binary> costmanagement query" and sums the result.
func (c *CLIClient) MonthlySpend(ctx context.Context, resourceGroup string) (float64, error) {
	out, err := c.run(ctx, "costmanagement", "query",
		"--scope", "/subscriptions/default/resourceGroups/"+resourceGroup,
		"--type", "ActualCost",
		"--timeframe", "MonthToDate",
		"-o", "json",
	)
	if err != nil {
		return 0, err
	}

	var raw []costJSON
	if err := json.Unmarshal(out, &raw); err != nil {
		// Some provider CLI versions report a bare number.
		v, perr := strconv.ParseFloat(string(bytes.TrimSpace(out)), 64)
		if perr != nil {
			return 0, &errs.IntegrityError{Path: "provider cost output", Reason: err.Error()}
		}
		return v, nil
	}

	var total float64
	for _, r := range raw {
		total += r.Value
	}
	return total, nil
}
