package registry

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ZanzyTHEbar/sftpipe/sftpipe/common"

	"github.com/armon/go-radix"
	"gopkg.in/yaml.v3"
)

//go:embed datasets.yaml
var builtinRegistry []byte

// TemplateSpec is a template style declared in the registry file
type TemplateSpec struct {
	System    string            `yaml:"system"`
	Prefix    map[string]string `yaml:"prefix"`
	Suffix    map[string]string `yaml:"suffix"`
	Separator string            `yaml:"separator"`
	AddBOS    bool              `yaml:"add_bos"`
	AddEOS    bool              `yaml:"add_eos"`
}

type fileSpec struct {
	Datasets  map[string]descriptorSpec `yaml:"datasets"`
	Templates map[string]TemplateSpec   `yaml:"templates"`
}

// Registry maps dataset identifiers to descriptors. It is built once and
// never mutated afterwards, so it is safe to share between goroutines.
type Registry struct {
	tree      *radix.Tree
	templates map[string]TemplateSpec
}

// Builtin returns the registry of datasets known out of the box
func Builtin() (*Registry, error) {
	return Parse(builtinRegistry)
}

// LoadFile reads a registry document from path. An empty path yields the
// built-in registry.
func LoadFile(path string) (*Registry, error) {
	if path == "" {
		return Builtin()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &common.ConfigError{Key: path, Err: fmt.Errorf("failed to read registry file: %w", err)}
	}
	return Parse(data)
}

// Parse builds a Registry from a YAML document, validating every entry
func Parse(data []byte) (*Registry, error) {
	var spec fileSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, &common.ConfigError{Key: "registry", Err: fmt.Errorf("malformed registry document: %w", err)}
	}
	if len(spec.Datasets) == 0 {
		return nil, common.ConfigErrorf("datasets", "registry declares no datasets")
	}

	reg := &Registry{
		tree:      radix.New(),
		templates: make(map[string]TemplateSpec, len(spec.Templates)),
	}
	for id, ds := range spec.Datasets {
		d, err := ds.build(id)
		if err != nil {
			return nil, err
		}
		reg.tree.Insert(id, d)
	}
	for name, ts := range spec.Templates {
		if strings.TrimSpace(name) == "" {
			return nil, common.ConfigErrorf("templates", "template name cannot be empty")
		}
		reg.templates[name] = ts
	}
	return reg, nil
}

// Lookup returns the descriptor for id
func (r *Registry) Lookup(id string) (DatasetDescriptor, error) {
	v, ok := r.tree.Get(strings.TrimSpace(id))
	if !ok {
		return DatasetDescriptor{}, &common.ConfigError{Key: id, Err: common.ErrUnknownDataset}
	}
	return v.(DatasetDescriptor), nil
}

// Resolve looks up a comma separated list of identifiers, preserving order
func (r *Registry) Resolve(list string) ([]DatasetDescriptor, error) {
	var out []DatasetDescriptor
	seen := make(map[string]bool)
	for _, id := range strings.Split(list, ",") {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		d, err := r.Lookup(id)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, common.ConfigErrorf("datasets", "no dataset identifiers given")
	}
	return out, nil
}

// WithPrefix returns all descriptors whose identifier starts with prefix,
// sorted by identifier.
func (r *Registry) WithPrefix(prefix string) []DatasetDescriptor {
	var out []DatasetDescriptor
	r.tree.WalkPrefix(prefix, func(_ string, v interface{}) bool {
		out = append(out, v.(DatasetDescriptor))
		return false
	})
	return out
}

// IDs returns every registered identifier in sorted order
func (r *Registry) IDs() []string {
	ids := make([]string, 0, r.tree.Len())
	r.tree.Walk(func(k string, _ interface{}) bool {
		ids = append(ids, k)
		return false
	})
	return ids
}

// Len returns the number of registered datasets
func (r *Registry) Len() int { return r.tree.Len() }

// Templates returns the template styles declared in the registry file
func (r *Registry) Templates() map[string]TemplateSpec {
	out := make(map[string]TemplateSpec, len(r.templates))
	for k, v := range r.templates {
		out[k] = v
	}
	return out
}

// TemplateNames returns the declared template names in sorted order
func (r *Registry) TemplateNames() []string {
	names := make([]string, 0, len(r.templates))
	for k := range r.templates {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
