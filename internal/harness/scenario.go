package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/tillsync/internal/schema"
)

// Scenario is a scripted sequence of writes, connectivity changes and sync
// cycles, followed by assertions on the resulting state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Online is the initial connectivity state.
	Online bool `yaml:"online,omitempty"`

	// Remote seeds the in-process remote before the first step,
	// collection name to rows.
	Remote map[string][]map[string]any `yaml:"remote,omitempty"`

	// MaxRetries and BatchSize override the engine defaults when non-zero.
	MaxRetries int `yaml:"max_retries,omitempty"`
	BatchSize  int `yaml:"batch_size,omitempty"`

	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scripted action. Which fields apply depends on Op.
type Step struct {
	Op         string         `yaml:"op"`
	Collection string         `yaml:"collection,omitempty"`
	ID         int64          `yaml:"id,omitempty"`
	Fields     map[string]any `yaml:"fields,omitempty"`

	// Key and Times configure fail_key; Times alone configures fail_next.
	Key   string `yaml:"key,omitempty"`
	Times int    `yaml:"times,omitempty"`

	// Rows are stored by seed_remote under Collection.
	Rows []map[string]any `yaml:"rows,omitempty"`

	// ExpectError is the records error code a mutation must fail with.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Step operations.
const (
	OpCreate     = "create"
	OpUpdate     = "update"
	OpDelete     = "delete"
	OpGoOnline   = "go_online"
	OpGoOffline  = "go_offline"
	OpDrain      = "drain"
	OpFlush      = "flush"
	OpCompact    = "compact"
	OpPull       = "pull"
	OpFailKey    = "fail_key"
	OpFailNext   = "fail_next"
	OpRemoteDown = "remote_down"
	OpRemoteUp   = "remote_up"
	OpSeedRemote = "seed_remote"
)

// Assertion validates the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	Collection string `yaml:"collection,omitempty"`
	ID         int64  `yaml:"id,omitempty"`
	NaturalKey string `yaml:"natural_key,omitempty"`
	Operation  string `yaml:"operation,omitempty"`
	Method     string `yaml:"method,omitempty"`

	Count      *int  `yaml:"count,omitempty"`
	RetryCount *int  `yaml:"retry_count,omitempty"`
	Synced     *bool `yaml:"synced,omitempty"`

	// Fields is a subset match against record, queued payload or remote
	// row fields. For record_count it is a ReadAll filter instead.
	Fields map[string]any `yaml:"fields,omitempty"`
}

// Assertion type constants.
const (
	AssertQueueCount   = "queue_count"
	AssertQueueEntry   = "queue_entry"
	AssertQueueAbsent  = "queue_absent"
	AssertRecord       = "record"
	AssertRecordAbsent = "record_absent"
	AssertRecordCount  = "record_count"
	AssertRemoteCalls  = "remote_calls"
	AssertRemoteRow    = "remote_row"
	AssertRemoteAbsent = "remote_absent"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// FindScenarios returns the .yaml and .yml files directly inside dir,
// sorted by name. A non-empty filter is a glob matched against the file
// name without its extension.
func FindScenarios(dir, filter string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		if filter != "" {
			matched, err := filepath.Match(filter, strings.TrimSuffix(e.Name(), ext))
			if err != nil {
				return nil, fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				continue
			}
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.MaxRetries < 0 || s.BatchSize < 0 {
		return fmt.Errorf("max_retries and batch_size must be non-negative")
	}

	for name := range s.Remote {
		if _, err := schema.ParseCollection(name); err != nil {
			return fmt.Errorf("remote: %w", err)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st *Step) error {
	needCollection := func() error {
		if st.Collection == "" {
			return fmt.Errorf("steps[%d]: collection is required for %s", index, st.Op)
		}
		return nil
	}

	switch st.Op {
	case "":
		return fmt.Errorf("steps[%d]: op is required", index)
	case OpCreate:
		if err := needCollection(); err != nil {
			return err
		}
		if st.Fields == nil {
			return fmt.Errorf("steps[%d]: fields is required for create", index)
		}
	case OpUpdate:
		if err := needCollection(); err != nil {
			return err
		}
		if st.ID <= 0 {
			return fmt.Errorf("steps[%d]: id is required for update", index)
		}
		if st.Fields == nil {
			return fmt.Errorf("steps[%d]: fields is required for update", index)
		}
	case OpDelete:
		if err := needCollection(); err != nil {
			return err
		}
		if st.ID <= 0 {
			return fmt.Errorf("steps[%d]: id is required for delete", index)
		}
	case OpFailKey:
		if st.Key == "" {
			return fmt.Errorf("steps[%d]: key is required for fail_key", index)
		}
		if st.Times == 0 {
			return fmt.Errorf("steps[%d]: times is required for fail_key (negative fails forever)", index)
		}
	case OpFailNext:
		if st.Times <= 0 {
			return fmt.Errorf("steps[%d]: times must be positive for fail_next", index)
		}
	case OpSeedRemote:
		if err := needCollection(); err != nil {
			return err
		}
		if len(st.Rows) == 0 {
			return fmt.Errorf("steps[%d]: rows is required for seed_remote", index)
		}
	case OpGoOnline, OpGoOffline, OpDrain, OpFlush, OpCompact, OpPull, OpRemoteDown, OpRemoteUp:
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", index, st.Op)
	}

	if st.ExpectError != "" && st.Op != OpCreate && st.Op != OpUpdate && st.Op != OpDelete {
		return fmt.Errorf("steps[%d]: expect_error only applies to create, update and delete", index)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	require := func(ok bool, what string) error {
		if !ok {
			return fmt.Errorf("assertions[%d]: %s is required for %s", index, what, a.Type)
		}
		return nil
	}

	var err error
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertQueueCount:
		err = require(a.Count != nil, "count")
	case AssertQueueEntry, AssertQueueAbsent, AssertRemoteRow, AssertRemoteAbsent:
		if err = require(a.Collection != "", "collection"); err == nil {
			err = require(a.NaturalKey != "", "natural_key")
		}
	case AssertRecord, AssertRecordAbsent:
		if err = require(a.Collection != "", "collection"); err == nil {
			err = require(a.ID > 0, "id")
		}
	case AssertRecordCount:
		if err = require(a.Collection != "", "collection"); err == nil {
			err = require(a.Count != nil, "count")
		}
	case AssertRemoteCalls:
		err = require(a.Count != nil, "count")
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	if err != nil {
		return err
	}

	if a.Count != nil && *a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative for %s", index, a.Type)
	}
	return nil
}
