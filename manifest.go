package offlinecache

import (
	"fmt"

	"github.com/always-cache/offline-cache/classify"
	"github.com/always-cache/offline-cache/strategy"

	"github.com/jmgilman/go/errors"
)

// Partition identifies one of the five live cache partitions.
type Partition string

const (
	PartitionStatic  Partition = "static"
	PartitionDynamic Partition = "dynamic"
	PartitionImages  Partition = "images"
	PartitionFonts   Partition = "fonts"
	PartitionAPI     Partition = "api"
)

// Partitions lists the live partitions in activation order.
var Partitions = []Partition{
	PartitionStatic,
	PartitionDynamic,
	PartitionImages,
	PartitionFonts,
	PartitionAPI,
}

// PartitionConfig bounds one partition and names the strategy that serves it.
type PartitionConfig struct {
	Partition  Partition     `yaml:"partition"`
	MaxEntries int           `yaml:"maxEntries"`
	Strategy   strategy.Kind `yaml:"strategy"`
}

// Manifest is the immutable configuration of a worker: the version tag that
// is baked into every partition name, the partition table and the precache
// manifest.
type Manifest struct {
	Product    string            `yaml:"product"`
	Version    string            `yaml:"version"`
	Partitions []PartitionConfig `yaml:"partitions"`
	Precache   []string          `yaml:"precache"`
}

// DefaultManifest returns the manifest of the TurboPush site.
func DefaultManifest() Manifest {
	return Manifest{
		Product: "turbopush",
		Version: "2.0.0",
		Partitions: []PartitionConfig{
			{Partition: PartitionStatic, MaxEntries: 50, Strategy: strategy.CacheFirst},
			{Partition: PartitionDynamic, MaxEntries: 30, Strategy: strategy.NetworkFirst},
			{Partition: PartitionImages, MaxEntries: 100, Strategy: strategy.StaleWhileRevalidate},
			{Partition: PartitionFonts, MaxEntries: 20, Strategy: strategy.CacheFirst},
			{Partition: PartitionAPI, MaxEntries: 50, Strategy: strategy.NetworkFirst},
		},
		Precache: []string{
			"/",
			"/features",
			"/download",
			"/about",
			"/contact",
			"/tech",
			"/_next/static/css/",
			"/_next/static/chunks/",
			"/favicon.ico",
			"/manifest.json",
		},
	}
}

// Validate checks that the manifest names a product and version, and that
// each live partition appears exactly once with a positive bound.
func (m Manifest) Validate() error {
	if m.Product == "" || m.Version == "" {
		return errors.New(errors.CodeInvalidConfig, "manifest product and version are required")
	}
	seen := make(map[Partition]bool)
	for _, pc := range m.Partitions {
		if !isPartition(pc.Partition) {
			return errors.WithContext(
				errors.New(errors.CodeInvalidConfig, "unknown partition"), "partition", string(pc.Partition))
		}
		if seen[pc.Partition] {
			return errors.WithContext(
				errors.New(errors.CodeInvalidConfig, "duplicate partition"), "partition", string(pc.Partition))
		}
		if pc.MaxEntries <= 0 {
			return errors.WithContext(
				errors.New(errors.CodeInvalidConfig, "maxEntries must be positive"), "partition", string(pc.Partition))
		}
		seen[pc.Partition] = true
	}
	for _, p := range Partitions {
		if !seen[p] {
			return errors.WithContext(
				errors.New(errors.CodeInvalidConfig, "missing partition"), "partition", string(p))
		}
	}
	return nil
}

func isPartition(p Partition) bool {
	for _, known := range Partitions {
		if p == known {
			return true
		}
	}
	return false
}

// clone returns a deep copy.
func (m Manifest) clone() Manifest {
	c := m
	c.Partitions = append([]PartitionConfig(nil), m.Partitions...)
	c.Precache = append([]string(nil), m.Precache...)
	return c
}

// CacheName is the version tag reported to pages, e.g. "turbopush-v2.0.0".
func (m Manifest) CacheName() string {
	return fmt.Sprintf("%s-v%s", m.Product, m.Version)
}

// PartitionName returns the versioned storage name of a partition,
// e.g. "turbopush-static-v2.0.0".
func (m Manifest) PartitionName(p Partition) string {
	return fmt.Sprintf("%s-%s-v%s", m.Product, p, m.Version)
}

// Names returns the storage names of the five live partitions.
func (m Manifest) Names() []string {
	names := make([]string, 0, len(Partitions))
	for _, p := range Partitions {
		names = append(names, m.PartitionName(p))
	}
	return names
}

// Partition returns the configuration of the given partition.
func (m Manifest) Partition(p Partition) (PartitionConfig, bool) {
	for _, pc := range m.Partitions {
		if pc.Partition == p {
			return pc, true
		}
	}
	return PartitionConfig{}, false
}

// WithLimit returns a copy with the bound of partition p replaced.
func (m Manifest) WithLimit(p Partition, maxEntries int) Manifest {
	c := m.clone()
	for i := range c.Partitions {
		if c.Partitions[i].Partition == p {
			c.Partitions[i].MaxEntries = maxEntries
		}
	}
	return c
}

// WithStrategy returns a copy with the strategy of partition p replaced.
func (m Manifest) WithStrategy(p Partition, kind strategy.Kind) Manifest {
	c := m.clone()
	for i := range c.Partitions {
		if c.Partitions[i].Partition == p {
			c.Partitions[i].Strategy = kind
		}
	}
	return c
}

// PartitionFor maps a content class to the partition that caches it.
func PartitionFor(class classify.ContentClass) Partition {
	switch class {
	case classify.Font:
		return PartitionFonts
	case classify.StaticAsset:
		return PartitionStatic
	case classify.Image:
		return PartitionImages
	case classify.API:
		return PartitionAPI
	case classify.Page, classify.Default:
		return PartitionDynamic
	default:
		panic(fmt.Sprintf("unhandled content class %v", class))
	}
}

// Route returns the partition configuration serving a content class.
// The manifest must be valid.
func (m Manifest) Route(class classify.ContentClass) PartitionConfig {
	pc, _ := m.Partition(PartitionFor(class))
	return pc
}
