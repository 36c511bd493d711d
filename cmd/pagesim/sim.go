package main

import (
	"context"
	"encoding/binary"
	"math/rand/v2"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/HayatoShiba/pagecache/storage/buffer"
	"github.com/HayatoShiba/pagecache/storage/disk"
	"github.com/HayatoShiba/pagecache/storage/page"
)

const (
	simFileName      = "pagesim"
	simFileExtension = "dat"
)

// report is the result of simulation
type report struct {
	Requests     int
	Hits         float64
	Misses       float64
	Evictions    float64
	FlushedPages float64
	Stats        buffer.Stats
	Elapsed      time.Duration
}

func (r report) hitRatio() float64 {
	if r.Hits+r.Misses == 0 {
		return 0
	}
	return r.Hits / (r.Hits + r.Misses)
}

// simulate replays the workload against buffer pool
func simulate(ctx context.Context, cfg Config, logger *zap.Logger) (report, error) {
	var r report
	dir := cfg.Disk.Dir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "pagesim")
		if err != nil {
			return r, errors.Wrap(err, "os.MkdirTemp failed")
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}
	dm, err := disk.NewManager(dir, cfg.Disk.MaxOpenFiles)
	if err != nil {
		return r, errors.Wrap(err, "disk.NewManager failed")
	}
	alloc, closeAlloc, err := newAllocator(cfg.Disk.Allocator, cfg.Disk.PageSize)
	if err != nil {
		return r, errors.Wrap(err, "newAllocator failed")
	}
	defer closeAlloc()

	reg := prometheus.NewRegistry()
	m, err := buffer.NewManager(cfg.Pool, dm, alloc, buffer.WithLogger(logger), buffer.WithRegisterer(reg))
	if err != nil {
		return r, errors.Wrap(err, "buffer.NewManager failed")
	}
	fileCfg := disk.FileConfig{Name: simFileName, PageSize: cfg.Disk.PageSize, SegmentSize: cfg.Disk.SegmentSize}
	if err := m.OpenFile(fileCfg, simFileExtension); err != nil {
		return r, errors.Wrap(err, "OpenFile failed")
	}
	pageSize, err := m.PageSize(simFileName, simFileExtension)
	if err != nil {
		return r, errors.Wrap(err, "PageSize failed")
	}

	bgCtx, stopBg := context.WithCancel(ctx)
	bgDone := make(chan error, 1)
	go func() {
		bgDone <- buffer.NewBackgroundWriter(m, 0).Run(bgCtx)
	}()

	start := time.Now()
	eg, egCtx := errgroup.WithContext(ctx)
	for w := 0; w < cfg.Workload.Workers; w++ {
		eg.Go(func() error {
			return work(egCtx, m, cfg.Workload, w, pageSize)
		})
	}
	err = eg.Wait()
	stopBg()
	<-bgDone
	if err != nil {
		return r, errors.Wrap(err, "work failed")
	}
	r.Elapsed = time.Since(start)
	r.Stats = m.Stats()
	if err := m.Close(); err != nil {
		return r, errors.Wrap(err, "Close failed")
	}

	r.Requests = cfg.Workload.Requests * cfg.Workload.Workers
	for name, v := range map[string]*float64{
		"pagecache_hits_total":          &r.Hits,
		"pagecache_misses_total":        &r.Misses,
		"pagecache_evictions_total":     &r.Evictions,
		"pagecache_flushed_pages_total": &r.FlushedPages,
	} {
		if *v, err = counterValue(reg, name); err != nil {
			return r, errors.Wrap(err, "counterValue failed")
		}
	}
	return r, nil
}

// work issues requests of one worker.
// written pages carry their own index in the first 8 bytes, and reads verify it
func work(ctx context.Context, m *buffer.Manager, cfg WorkloadConfig, worker, pageSize int) error {
	ctx = buffer.WithOwner(ctx, buffer.NewOwner())
	gen := newGenerator(cfg, worker)
	rnd := rand.New(rand.NewPCG(cfg.Seed+1, uint64(worker)))
	for i := 0; i < cfg.Requests; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		idx := gen.next()
		if rnd.Float64() < cfg.WriteRatio {
			h, err := m.LoadAndLockForWrite(ctx, simFileName, simFileExtension, idx)
			if err != nil {
				return errors.Wrap(err, "LoadAndLockForWrite failed")
			}
			binary.LittleEndian.PutUint64(m.Bytes(h, pageSize), uint64(idx))
			m.ReleaseWriteLock(ctx, simFileName, simFileExtension, idx)
			continue
		}
		h, err := m.LoadAndLockForRead(ctx, simFileName, simFileExtension, idx)
		if err != nil {
			return errors.Wrap(err, "LoadAndLockForRead failed")
		}
		got := binary.LittleEndian.Uint64(m.Bytes(h, pageSize))
		m.ReleaseReadLock(ctx, simFileName, simFileExtension, idx)
		if got != 0 && page.PageID(got) != idx {
			return errors.Errorf("page %d holds content of page %d", idx, got)
		}
	}
	return nil
}

// counterValue sums the counter of all label values
func counterValue(reg *prometheus.Registry, name string) (float64, error) {
	mfs, err := reg.Gather()
	if err != nil {
		return 0, errors.Wrap(err, "reg.Gather failed")
	}
	var sum float64
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			sum += metric.GetCounter().GetValue()
		}
	}
	return sum, nil
}
