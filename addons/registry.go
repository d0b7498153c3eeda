// Package addons knows the storage addons a project can attach: their
// definitions, their file trees as served by the storage proxy, and the
// size/count summary the archive pipeline feeds its quota decision with.
package addons

import (
	"errors"
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"

	"github.com/frostlabs/frost-archiver/jsonrs"
)

// ErrUnknownAddon is returned when a lookup names an addon that is not
// registered.
var ErrUnknownAddon = errors.New("unknown addon")

// Definition describes one storage addon.
type Definition struct {
	// Name is the addon's short name, unique within the registry.
	Name string `mapstructure:"name"`
	// Provider is the storage-proxy provider identifier, defaults to Name.
	Provider string `mapstructure:"provider"`
	// DisplayName is the human-readable addon name.
	DisplayName string `mapstructure:"displayName"`
	// FolderName is the folder the archived copy is renamed to, defaults to
	// "Archive of <DisplayName>".
	FolderName string `mapstructure:"folderName"`
}

// Registry holds the addon definitions in registration order.
type Registry struct {
	ordered []Definition
	byName  map[string]Definition
}

func NewRegistry(definitions []Definition) (*Registry, error) {
	r := &Registry{
		byName: make(map[string]Definition, len(definitions)),
	}
	for _, def := range definitions {
		if def.Name == "" {
			return nil, fmt.Errorf("addon definition with empty name")
		}
		if _, ok := r.byName[def.Name]; ok {
			return nil, fmt.Errorf("duplicate addon definition %q", def.Name)
		}
		if def.Provider == "" {
			def.Provider = def.Name
		}
		if def.DisplayName == "" {
			def.DisplayName = def.Name
		}
		if def.FolderName == "" {
			def.FolderName = "Archive of " + def.DisplayName
		}
		r.ordered = append(r.ordered, def)
		r.byName[def.Name] = def
	}
	return r, nil
}

// LoadRegistry reads addon definitions from a JSON file holding an array of
// definition objects.
func LoadRegistry(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading addon definitions: %w", err)
	}
	var entries []map[string]any
	if err := jsonrs.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("unmarshalling addon definitions: %w", err)
	}
	definitions := make([]Definition, 0, len(entries))
	for i, entry := range entries {
		var def Definition
		if err := mapstructure.Decode(entry, &def); err != nil {
			return nil, fmt.Errorf("decoding addon definition %d: %w", i, err)
		}
		definitions = append(definitions, def)
	}
	return NewRegistry(definitions)
}

// DefaultRegistry returns the built-in addon set, used when no definitions
// file is configured.
func DefaultRegistry() *Registry {
	r, err := NewRegistry([]Definition{
		{Name: "osfstorage", DisplayName: "OSF Storage"},
		{Name: "github", DisplayName: "GitHub"},
		{Name: "gitlab", DisplayName: "GitLab"},
		{Name: "bitbucket", DisplayName: "Bitbucket"},
		{Name: "dropbox", DisplayName: "Dropbox"},
		{Name: "box", DisplayName: "Box"},
		{Name: "googledrive", DisplayName: "Google Drive"},
		{Name: "onedrive", DisplayName: "OneDrive"},
		{Name: "owncloud", DisplayName: "ownCloud"},
		{Name: "s3", DisplayName: "Amazon S3"},
		{Name: "figshare", DisplayName: "figshare"},
		{Name: "dataverse", DisplayName: "Dataverse"},
	})
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the definition registered under the addon's short name.
func (r *Registry) Lookup(name string) (Definition, error) {
	def, ok := r.byName[name]
	if !ok {
		return Definition{}, fmt.Errorf("%q: %w", name, ErrUnknownAddon)
	}
	return def, nil
}

// Definitions returns all definitions in registration order.
func (r *Registry) Definitions() []Definition {
	return append([]Definition(nil), r.ordered...)
}

// Names returns the registered addon names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.ordered))
	for _, def := range r.ordered {
		names = append(names, def.Name)
	}
	return names
}
