package main

import (
	"math/rand/v2"

	"github.com/HayatoShiba/pagecache/storage/page"
)

// generator yields page indexes to request
type generator interface {
	next() page.PageID
}

// newGenerator returns generator of worker. each worker has its own random source
func newGenerator(cfg WorkloadConfig, worker int) generator {
	rnd := rand.New(rand.NewPCG(cfg.Seed, uint64(worker)))
	switch cfg.Kind {
	case workloadSequential:
		return &sequential{pages: uint64(cfg.Pages), cur: uint64(worker)}
	case workloadLooping:
		return &sequential{pages: uint64(cfg.Window)}
	default:
		return &zipf{z: rand.NewZipf(rnd, cfg.ZipfS, 1, uint64(cfg.Pages-1))}
	}
}

// sequential scans pages and wraps around
type sequential struct {
	pages uint64
	cur   uint64
}

func (s *sequential) next() page.PageID {
	idx := s.cur % s.pages
	s.cur++
	return page.PageID(idx)
}

// zipf requests hot pages frequently
type zipf struct {
	z *rand.Zipf
}

func (z *zipf) next() page.PageID {
	return page.PageID(z.z.Uint64())
}
