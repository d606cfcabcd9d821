// Package sites maps site names to their adapters and builds them from
// loosely typed configuration.
package sites

import (
	"fmt"
	"sort"

	"github.com/go-viper/mapstructure/v2"

	"github.com/JakeFAU/tspider/internal/crawler"
	"github.com/JakeFAU/tspider/internal/sites/artifact"
	"github.com/JakeFAU/tspider/internal/sites/cebpubservice"
	"github.com/JakeFAU/tspider/internal/sites/cninfo"
	"github.com/JakeFAU/tspider/internal/sites/hebeieb"
)

// Deps are the collaborators shared by all adapters.
type Deps struct {
	Writer *artifact.Writer
	IDs    cebpubservice.IDGenerator
}

type factory func(settings map[string]any, deps Deps) (crawler.SiteAdapter, error)

var registry = map[string]factory{
	cninfo.Name: func(settings map[string]any, deps Deps) (crawler.SiteAdapter, error) {
		cfg := cninfo.DefaultConfig()
		if err := decode(settings, &cfg); err != nil {
			return nil, err
		}
		return cninfo.New(cfg, deps.Writer)
	},
	cebpubservice.Name: func(settings map[string]any, deps Deps) (crawler.SiteAdapter, error) {
		cfg := cebpubservice.DefaultConfig()
		if err := decode(settings, &cfg); err != nil {
			return nil, err
		}
		if deps.IDs == nil {
			return nil, fmt.Errorf("%s needs an id generator", cebpubservice.Name)
		}
		return cebpubservice.New(cfg, deps.Writer, deps.IDs)
	},
	hebeieb.Name: func(settings map[string]any, deps Deps) (crawler.SiteAdapter, error) {
		cfg := hebeieb.DefaultConfig()
		if err := decode(settings, &cfg); err != nil {
			return nil, err
		}
		return hebeieb.New(cfg, deps.Writer)
	},
}

// Names lists the registered site names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the adapter registered as name. Settings override the
// adapter's defaults key by key; unknown keys are rejected.
func New(name string, settings map[string]any, deps Deps) (crawler.SiteAdapter, error) {
	build, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown site %q (known: %v)", name, Names())
	}
	if deps.Writer == nil {
		return nil, fmt.Errorf("site %s: artifact writer is required", name)
	}
	adapter, err := build(settings, deps)
	if err != nil {
		return nil, fmt.Errorf("site %s: %w", name, err)
	}
	return adapter, nil
}

func decode(settings map[string]any, out any) error {
	if len(settings) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return fmt.Errorf("build decoder: %w", err)
	}
	if err := dec.Decode(settings); err != nil {
		return fmt.Errorf("decode settings: %w", err)
	}
	return nil
}
