package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Catalog lists the workflows and instances served from the in-memory
// store. With PostgreSQL they live in the database instead.
type Catalog struct {
	Workflows []CatalogWorkflow `yaml:"workflows"`
	Instances []CatalogInstance `yaml:"instances"`
}

type CatalogWorkflow struct {
	ID                 string   `yaml:"id"`
	Name               string   `yaml:"name"`
	SQL                string   `yaml:"sql"`
	RequiredParameters []string `yaml:"required_parameters"`
}

type CatalogInstance struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Endpoint    string `yaml:"endpoint"`
	WorkspaceID string `yaml:"workspace_id"`
	// TokenEnv names the environment variable holding the instance token.
	TokenEnv string `yaml:"token_env"`
}

// Token resolves the instance token from the environment.
func (i CatalogInstance) Token() string {
	if i.TokenEnv == "" {
		return ""
	}
	return os.Getenv(i.TokenEnv)
}

// LoadCatalog reads and validates a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}
	return &c, nil
}

// Validate rejects entries without ids, duplicate ids, workflows without
// SQL and instances without an endpoint.
func (c *Catalog) Validate() error {
	seen := make(map[string]bool)
	for i, wf := range c.Workflows {
		if wf.ID == "" {
			return fmt.Errorf("workflows[%d]: id is required", i)
		}
		if seen["wf:"+wf.ID] {
			return fmt.Errorf("duplicate workflow id %q", wf.ID)
		}
		seen["wf:"+wf.ID] = true
		if wf.SQL == "" {
			return fmt.Errorf("workflow %q: sql is required", wf.ID)
		}
	}
	for i, inst := range c.Instances {
		if inst.ID == "" {
			return fmt.Errorf("instances[%d]: id is required", i)
		}
		if seen["inst:"+inst.ID] {
			return fmt.Errorf("duplicate instance id %q", inst.ID)
		}
		seen["inst:"+inst.ID] = true
		if inst.Endpoint == "" {
			return fmt.Errorf("instance %q: endpoint is required", inst.ID)
		}
	}
	return nil
}
