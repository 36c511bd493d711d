package main

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/HayatoShiba/pagecache/common/logger"
	"github.com/HayatoShiba/pagecache/storage/buffer"
	"github.com/HayatoShiba/pagecache/storage/page"
)

// workload kinds
const (
	workloadSequential = "sequential"
	workloadLooping    = "looping"
	workloadZipf       = "zipf"
)

// allocator kinds
const (
	allocatorHeap = "heap"
	allocatorMmap = "mmap"
)

// Config is the configuration of simulation
type Config struct {
	Pool     buffer.Config  `yaml:"pool"`
	Logger   logger.Config  `yaml:"logger"`
	Disk     DiskConfig     `yaml:"disk"`
	Workload WorkloadConfig `yaml:"workload"`
}

// DiskConfig is the configuration of files the simulation reads and writes
type DiskConfig struct {
	// Dir is base directory of files. temporary directory is used when empty
	Dir          string `yaml:"dir"`
	MaxOpenFiles int    `yaml:"max_open_files"`
	PageSize     int    `yaml:"page_size"`
	SegmentSize  int64  `yaml:"segment_size"`
	// Allocator is heap or mmap
	Allocator string `yaml:"allocator"`
}

// WorkloadConfig is the configuration of page requests
type WorkloadConfig struct {
	// Kind is sequential, looping or zipf
	Kind string `yaml:"kind"`
	// Pages is the number of distinct pages
	Pages int `yaml:"pages"`
	// Window is the number of pages in the loop of looping workload
	Window int `yaml:"window"`
	// Requests is the number of requests per worker
	Requests int `yaml:"requests"`
	Workers  int `yaml:"workers"`
	// WriteRatio is the ratio of write requests in [0, 1]
	WriteRatio float64 `yaml:"write_ratio"`
	// ZipfS is the skew of zipf workload. it must be greater than 1
	ZipfS float64 `yaml:"zipf_s"`
	Seed  uint64  `yaml:"seed"`
}

func defaultConfig() Config {
	return Config{
		Pool: buffer.DefaultConfig(),
		Disk: DiskConfig{
			PageSize:  page.DefaultPageSize,
			Allocator: allocatorHeap,
		},
		Workload: WorkloadConfig{
			Kind:       workloadZipf,
			Pages:      16384,
			Window:     2048,
			Requests:   100000,
			Workers:    4,
			WriteRatio: 0.1,
			ZipfS:      1.1,
			Seed:       1,
		},
	}
}

// loadConfig reads yaml file over default config. default config is returned when path is empty
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrap(err, "os.ReadFile failed")
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, errors.Wrap(err, "yaml.Unmarshal failed")
		}
	}
	if err := cfg.validate(); err != nil {
		return cfg, errors.Wrap(err, "validate failed")
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	if err := cfg.Pool.Validate(); err != nil {
		return errors.Wrap(err, "pool")
	}
	switch cfg.Disk.Allocator {
	case allocatorHeap, allocatorMmap:
	default:
		return errors.Errorf("unknown allocator %q", cfg.Disk.Allocator)
	}
	w := cfg.Workload
	switch w.Kind {
	case workloadSequential, workloadZipf:
	case workloadLooping:
		if w.Window <= 0 || w.Window > w.Pages {
			return errors.Errorf("window must be in (0, pages]: %d", w.Window)
		}
	default:
		return errors.Errorf("unknown workload %q", w.Kind)
	}
	if w.Pages <= 0 || w.Requests <= 0 || w.Workers <= 0 {
		return errors.New("pages, requests and workers must be positive")
	}
	if w.WriteRatio < 0 || w.WriteRatio > 1 {
		return errors.Errorf("write ratio must be in [0, 1]: %f", w.WriteRatio)
	}
	if w.Kind == workloadZipf && w.ZipfS <= 1 {
		return errors.Errorf("zipf s must be greater than 1: %f", w.ZipfS)
	}
	return nil
}
