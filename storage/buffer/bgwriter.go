/*
Dirty pages have to be written out to disk before evicted.
If disk IO happens when page is requested, it is not good in terms of performance.
So background writing is introduced.
Background writer periodically writes out dirty pages ahead of time,
so that eviction usually finds clean pages.

for parameters defined in postgres, see 20.4.5 in the link below.
https://www.postgresql.org/docs/current/runtime-config-resource.html#RUNTIME-CONFIG-RESOURCE-BACKGROUND-WRITER
*/
package buffer

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultBgWriterDelay is delay between active rounds. default is 200ms in postgres
const DefaultBgWriterDelay = 200 * time.Millisecond

// BackgroundWriter flushes dirty pages periodically
type BackgroundWriter struct {
	m     *Manager
	delay time.Duration
}

// NewBackgroundWriter initializes background writer. DefaultBgWriterDelay is used when delay is not positive
func NewBackgroundWriter(m *Manager, delay time.Duration) *BackgroundWriter {
	if delay <= 0 {
		delay = DefaultBgWriterDelay
	}
	return &BackgroundWriter{
		m:     m,
		delay: delay,
	}
}

// Run flushes dirty pages in each round until ctx is done.
// the pages failed to be written stay dirty and are retried in the next round
func (bw *BackgroundWriter) Run(ctx context.Context) error {
	ticker := time.NewTicker(bw.delay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			// shared page lock is enough. writers are blocked only during the write of each page
			if err := bw.m.Flush(false); err != nil {
				bw.m.logger.Warn("background write failed", zap.Error(err))
			}
		}
	}
}
