package config

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/beer-garden/beer-garden/errors"
	"github.com/beer-garden/beer-garden/model"
)

// GardenFile is the on-disk definition of one child garden. The file
// name, without extension, is the child's garden name.
type GardenFile struct {
	Publishing bool                         `yaml:"publishing"`
	Receiving  bool                         `yaml:"receiving"`
	HTTP       *model.HTTPConnectionParams  `yaml:"http"`
	STOMP      *model.STOMPConnectionParams `yaml:"stomp"`
}

// LoadGardenFiles reads every YAML file in dir into a child garden
// record. Children without a connection block stay NOT_CONFIGURED so the
// operator can see the gap instead of a silent no-op.
func LoadGardenFiles(dir string) ([]*model.Garden, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.WrapFatal(err, "config", "LoadGardenFiles", "read children dir")
	}

	gardens := make([]*model.Garden, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, errors.WrapFatal(err, "config", "LoadGardenFiles", name)
		}
		var file GardenFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, errors.WrapFatal(err, "config", "LoadGardenFiles", "parse "+name)
		}

		garden := file.toGarden(strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml"))
		if garden.Status != model.GardenNotConfigured {
			if err := garden.Validate(); err != nil {
				return nil, errors.WrapFatal(err, "config", "LoadGardenFiles", name)
			}
		}
		gardens = append(gardens, garden)
	}
	return gardens, nil
}

// LoadGardenFile reads a single garden definition. Used for the parent
// connection, where exactly one upstream is allowed.
func LoadGardenFile(path string) (*model.Garden, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "config", "LoadGardenFile", path)
	}
	var file GardenFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.WrapFatal(err, "config", "LoadGardenFile", "parse "+path)
	}

	base := filepath.Base(path)
	name := strings.TrimSuffix(strings.TrimSuffix(base, ".yaml"), ".yml")
	garden := file.toGarden(name)
	if garden.Status == model.GardenNotConfigured {
		return nil, errors.WrapValidation(errors.ErrInvalidConfig,
			"config", "LoadGardenFile", path+" has no connection block")
	}
	if err := garden.Validate(); err != nil {
		return nil, errors.WrapFatal(err, "config", "LoadGardenFile", path)
	}
	return garden, nil
}

func (f *GardenFile) toGarden(name string) *model.Garden {
	garden := &model.Garden{
		Name:              name,
		Status:            model.GardenNotConfigured,
		PublishingEnabled: f.Publishing,
		ReceivingEnabled:  f.Receiving,
	}
	switch {
	case f.HTTP != nil:
		garden.ConnectionType = model.ConnectionHTTP
		garden.ConnectionParams.HTTP = f.HTTP
		garden.Status = model.GardenInitializing
	case f.STOMP != nil:
		garden.ConnectionType = model.ConnectionSTOMP
		garden.ConnectionParams.STOMP = f.STOMP
		garden.Status = model.GardenInitializing
	}
	return garden
}
