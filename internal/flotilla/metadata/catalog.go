package metadata

import (
	"os"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

// catalogFile is the on-disk footprint catalog. It seeds the cache at
// startup so admission can size leases without the artifact store:
//
//	models:
//	  llama-2-7b:
//	    approxVramBytes: 14500000000
//	adapters:
//	  sql-lora:
//	    approxVramBytes: 200000000
type catalogFile struct {
	Models   map[string]catalogEntry `yaml:"models"`
	Adapters map[string]catalogEntry `yaml:"adapters"`
}

type catalogEntry struct {
	ApproxVramBytes int64 `yaml:"approxVramBytes"`
}

func loadCatalog(path string) (*catalogFile, error) {
	catalog := &catalogFile{}
	if path == "" {
		return catalog, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := yaml.Unmarshal(content, catalog); err != nil {
		return nil, errors.Wrapf(err, "parsing footprint catalog %s", path)
	}
	return catalog, nil
}
