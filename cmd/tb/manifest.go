package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/taskbridge/taskbridge/internal/backend"
	"github.com/taskbridge/taskbridge/internal/backend/memory"
	"github.com/taskbridge/taskbridge/internal/task"
)

// Manifest declares the participating backends and default sync options.
// Flags override manifest values; TB_* environment variables override both
// file values and defaults but not flags.
type Manifest struct {
	State     string            `mapstructure:"state"`
	Direction string            `mapstructure:"direction"`
	Strategy  string            `mapstructure:"strategy"`
	DryRun    bool              `mapstructure:"dry_run"`
	SyncTags  bool              `mapstructure:"sync_tags"`
	Sections  bool              `mapstructure:"sync_sections"`
	Backends  []BackendManifest `mapstructure:"backends"`
}

// BackendManifest declares one participant: an adapter type from the
// registry, its id, and an optional YAML seed file (memory backends only).
type BackendManifest struct {
	Kind string `mapstructure:"kind"`
	ID   string `mapstructure:"id"`
	Seed string `mapstructure:"seed"`
}

func loadManifest() (*Manifest, error) {
	v := viper.New()
	if manifestPath != "" {
		v.SetConfigFile(manifestPath)
	} else {
		v.SetConfigName("taskbridge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("TB")
	v.AutomaticEnv()

	v.SetDefault("state", ".taskbridge")
	v.SetDefault("direction", "two-way")
	v.SetDefault("strategy", "last-write-wins")
	v.SetDefault("sync_tags", true)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if manifestPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading manifest: %w", err)
		}
		// No manifest file; env vars and defaults still apply.
	}

	var m Manifest
	if err := v.Unmarshal(&m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return &m, nil
}

// buildBackends instantiates every declared backend via the registry and
// applies memory-backend seed files.
func (m *Manifest) buildBackends() ([]backend.Backend, error) {
	if len(m.Backends) < 2 {
		return nil, fmt.Errorf("manifest must declare at least 2 backends, got %d", len(m.Backends))
	}
	out := make([]backend.Backend, 0, len(m.Backends))
	for _, bm := range m.Backends {
		b, err := backend.New(bm.Kind, bm.ID)
		if err != nil {
			return nil, err
		}
		if bm.Seed != "" {
			mem, ok := b.(*memory.Memory)
			if !ok {
				return nil, fmt.Errorf("backend %q: seed files are only supported for memory backends", bm.ID)
			}
			if err := seedFromFile(mem, bm.Seed); err != nil {
				return nil, fmt.Errorf("seeding backend %q: %w", bm.ID, err)
			}
		}
		out = append(out, b)
	}
	return out, nil
}

// seedFile is the YAML shape of a memory-backend seed file: a flat list of
// tasks to preload.
type seedFile struct {
	Tasks []struct {
		Name        string   `yaml:"name"`
		Notes       string   `yaml:"notes"`
		Completed   bool     `yaml:"completed"`
		DueOn       string   `yaml:"due_on"`
		StartOn     string   `yaml:"start_on"`
		Assignee    string   `yaml:"assignee"`
		Priority    string   `yaml:"priority"`
		IsMilestone bool     `yaml:"is_milestone"`
		Tags        []string `yaml:"tags"`
	} `yaml:"tasks"`
}

func seedFromFile(mem *memory.Memory, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var sf seedFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return fmt.Errorf("parsing seed file: %w", err)
	}
	for i, st := range sf.Tasks {
		t := &task.Task{
			GID:         fmt.Sprintf("%s-seed-%d", mem.ID(), i+1),
			Name:        st.Name,
			Notes:       st.Notes,
			Completed:   st.Completed,
			DueOn:       st.DueOn,
			StartOn:     st.StartOn,
			Assignee:    st.Assignee,
			Priority:    task.Priority(st.Priority),
			IsMilestone: st.IsMilestone,
			Tags:        st.Tags,
		}
		if err := mem.Seed(t); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manifest) backendIDs() []string {
	ids := make([]string, len(m.Backends))
	for i, b := range m.Backends {
		ids[i] = b.ID
	}
	return ids
}
