package reconcile

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/fleetwork/pkg/fault"
	"github.com/ChuLiYu/fleetwork/pkg/types"
)

// TaskFile is the layout of a desired-task YAML file:
//
//	tasks:
//	  - name: ingest-eu
//	    payload: {region: eu}
//	    options: {priority: 2, attempts: 3}
type TaskFile struct {
	Tasks []TaskEntry `yaml:"tasks"`
}

// TaskEntry is one desired task.
type TaskEntry struct {
	Name    string                 `yaml:"name"`
	Payload map[string]interface{} `yaml:"payload"`
	Options *types.JobOptions      `yaml:"options"`
}

// FileSource reads the desired tasks from a YAML file on every call, so
// edits take effect on the next pass.
type FileSource struct {
	Path string
}

func (s FileSource) load() (*TaskFile, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}
	var f TaskFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse task file %s: %w", s.Path, err)
	}
	return &f, nil
}

// TaskNames implements Source.
func (s FileSource) TaskNames(ctx context.Context) ([]string, error) {
	f, err := s.load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(f.Tasks))
	for _, t := range f.Tasks {
		names = append(names, t.Name)
	}
	return names, nil
}

// TaskDetails implements Source.
func (s FileSource) TaskDetails(ctx context.Context, name string) (types.TaskDetails, error) {
	f, err := s.load()
	if err != nil {
		return types.TaskDetails{}, err
	}
	for _, t := range f.Tasks {
		if t.Name == name {
			return types.TaskDetails{Payload: t.Payload, Options: t.Options}, nil
		}
	}
	return types.TaskDetails{}, fault.Newf(fault.KindNotFound, "tasks", "task %s is not in %s", name, s.Path)
}
