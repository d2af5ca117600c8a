/*
Package topology saves and restores a named fleet snapshot as an
allowlisted-field TOML document, and reconciles a restored topology
against the live VM Directory by starting stopped VMs and provisioning
missing ones with bounded parallelism.
*/
package topology

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/cuemby/fleetctl/pkg/directory"
	"github.com/cuemby/fleetctl/pkg/errs"
	"github.com/cuemby/fleetctl/pkg/provider"
	"github.com/cuemby/fleetctl/pkg/types"
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Store saves and loads StoredTopology documents under a base directory.
type Store struct {
	baseDir string
}

// New returns a Store rooted at baseDir (typically
// "<user-home>/<tool>/sessions").
func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

func (s *Store) path(name string) string {
	return filepath.Join(s.baseDir, name+".toml")
}

// Save writes topology atomically to <baseDir>/<name>.toml (dir 0700, file
// 0600), serializing only the allowlisted StoredTopology/TopologyEntry
// fields.
func (s *Store) Save(topo types.StoredTopology) error {
	if !nameRe.MatchString(topo.Session.Name) {
		return &errs.ValidationError{Field: "name", Reason: "must match ^[A-Za-z0-9_-]+$"}
	}

	if err := os.MkdirAll(s.baseDir, 0o700); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}

	data, err := toml.Marshal(topo)
	if err != nil {
		return fmt.Errorf("marshal topology: %w", err)
	}

	dest := s.path(topo.Session.Name)
	tmp, err := os.CreateTemp(s.baseDir, ".topology-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp topology file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp topology file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp topology file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("chmod temp topology file: %w", err)
	}
	return os.Rename(tmpPath, dest)
}

// Load parses a named topology. Missing top-level sections or a topology
// with zero VMs are validation errors.
func (s *Store) Load(name string) (types.StoredTopology, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		return types.StoredTopology{}, fmt.Errorf("read topology: %w", err)
	}

	var topo types.StoredTopology
	if err := toml.Unmarshal(data, &topo); err != nil {
		return types.StoredTopology{}, &errs.IntegrityError{Path: s.path(name), Reason: err.Error()}
	}

	if topo.Session.Name == "" || topo.Session.ResourceGroup == "" {
		return types.StoredTopology{}, &errs.ValidationError{Field: "topology", Reason: "missing required [session] table"}
	}
	if len(topo.VMs) == 0 {
		return types.StoredTopology{}, &errs.ValidationError{Field: "vms", Reason: "topology has zero VMs"}
	}

	return topo, nil
}

// Provisioner provisions a single VM described by an opaque config,
// external to the core restore loop.
type Provisioner interface {
	Provision(ctx context.Context, config types.TopologyEntry) error
}

// LoadResult is the outcome of restoring a topology against the live
// Directory.
type LoadResult struct {
	Created  []string
	Existing []string
	Failed   []string
}

// SuccessCount returns |created| + |existing|.
func (r LoadResult) SuccessCount() int { return len(r.Created) + len(r.Existing) }

const maxProvisionParallelism = 5

// Restore reconciles topo against the live Directory: existing running VMs
// are recorded as existing; existing-but-stopped VMs are started (existing
// on success, failed otherwise); missing VMs are provisioned via prov with
// parallelism min(5, len(to_create)).
func Restore(ctx context.Context, dir *directory.Directory, client provider.ProviderClient, prov Provisioner, topo types.StoredTopology) (LoadResult, error) {
	live, err := dir.List(ctx, topo.Session.ResourceGroup, true)
	if err != nil {
		return LoadResult{}, err
	}
	byName := make(map[string]types.VMRecord, len(live))
	for _, v := range live {
		byName[v.Name] = v
	}

	var result LoadResult
	var toCreate []types.TopologyEntry

	for _, entry := range topo.VMs {
		vm, exists := byName[entry.Name]
		if !exists {
			toCreate = append(toCreate, entry)
			continue
		}
		if vm.PowerState == types.PowerStateRunning {
			result.Existing = append(result.Existing, entry.Name)
			continue
		}
		if err := client.StartVM(ctx, entry.Name, topo.Session.ResourceGroup, true); err != nil {
			result.Failed = append(result.Failed, entry.Name)
			continue
		}
		result.Existing = append(result.Existing, entry.Name)
	}

	if len(toCreate) > 0 {
		created, failed := provisionAll(ctx, prov, toCreate)
		result.Created = append(result.Created, created...)
		result.Failed = append(result.Failed, failed...)
	}

	return result, nil
}

func provisionAll(ctx context.Context, prov Provisioner, entries []types.TopologyEntry) (created, failed []string) {
	parallelism := len(entries)
	if parallelism > maxProvisionParallelism {
		parallelism = maxProvisionParallelism
	}

	type outcome struct {
		name string
		err  error
	}
	results := make([]outcome, len(entries))
	sem := make(chan struct{}, parallelism)
	var wg sync.WaitGroup

	for i, entry := range entries {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, entry types.TopologyEntry) {
			defer wg.Done()
			defer func() { <-sem }()
			err := prov.Provision(ctx, entry)
			results[i] = outcome{name: entry.Name, err: err}
		}(i, entry)
	}
	wg.Wait()

	for _, r := range results {
		if r.err != nil {
			failed = append(failed, r.name)
		} else {
			created = append(created, r.name)
		}
	}
	return created, failed
}

// RecordWithSessions pairs a VMRecord with the multiplexer sessions
// observed on it at save time.
type RecordWithSessions struct {
	Record   types.VMRecord
	Sessions []types.MultiplexerSession
}

// EntriesFromRecords builds allowlisted TopologyEntry values from
// VMRecords and their associated multiplexer sessions, for Save.
func EntriesFromRecords(pairs []RecordWithSessions) []types.TopologyEntry {
	out := make([]types.TopologyEntry, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, types.TopologyEntry{
			Name:                p.Record.Name,
			ResourceGroup:       p.Record.ResourceGroup,
			Location:            p.Record.Location,
			VMSize:              p.Record.VMSize,
			MultiplexerSessions: p.Sessions,
		})
	}
	return out
}

// NewTopology builds a StoredTopology with SavedAt set to now.
func NewTopology(name, resourceGroup string, vms []types.TopologyEntry) types.StoredTopology {
	return types.StoredTopology{
		Session: types.TopologySession{
			Name:          name,
			SavedAt:       time.Now().UTC(),
			ResourceGroup: resourceGroup,
		},
		VMs: vms,
	}
}
