package sparse

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Deployment is a declarative pipeline descriptor: a set of known input
// stream selectors and a nested mapping from stream selectors or operator
// names to their downstream destinations.
type Deployment struct {
	Name      string                 `yaml:"name" json:"name" mapstructure:"name"`
	Streams   []string               `yaml:"streams" json:"streams" mapstructure:"streams"`
	Pipelines map[string]interface{} `yaml:"pipelines" json:"pipelines" mapstructure:"pipelines"`
}

func (d Deployment) String() string {
	return d.Name
}

// ParseDeployment reads a deployment descriptor from a YAML file.
func ParseDeployment(path string) (Deployment, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Deployment{}, err
	}
	return parseDeployment(raw)
}

func parseDeployment(raw []byte) (Deployment, error) {
	var d Deployment
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return Deployment{}, fmt.Errorf("parsing deployment: %w", err)
	}
	if d.Name == "" {
		return Deployment{}, fmt.Errorf("deployment has no name")
	}
	return d, nil
}

// wireDict converts the deployment into the dictionary form carried in
// create_deployment messages.
func (d Deployment) wireDict() map[string]interface{} {
	return map[string]interface{}{
		"name":      d.Name,
		"streams":   d.Streams,
		"pipelines": d.Pipelines,
	}
}
