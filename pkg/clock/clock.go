// Package clock is an NTP-corrected wall clock. Field devices often boot
// without an RTC, so artifact timestamps are taken from here.
package clock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/beevik/ntp"
	"go.uber.org/zap"

	"portrait-capture/pkg/utils"
)

const (
	DefaultServer   = "pool.ntp.org"
	DefaultInterval = 30 * time.Minute
	queryTimeout    = 5 * time.Second
)

// QueryFunc reports the local clock's offset from server.
type QueryFunc func(server string) (time.Duration, error)

func ntpOffset(server string) (time.Duration, error) {
	resp, err := ntp.QueryWithOptions(server, ntp.QueryOptions{Timeout: queryTimeout})
	if err != nil {
		return 0, err
	}
	if err = resp.Validate(); err != nil {
		return 0, err
	}
	return resp.ClockOffset, nil
}

type Clock struct {
	server string
	query  QueryFunc
	offset atomic.Int64
	synced atomic.Bool
	logger *zap.SugaredLogger
}

// New returns a clock for server. An empty server disables correction.
func New(server string) *Clock {
	return &Clock{
		server: server,
		query:  ntpOffset,
		logger: utils.GetLogger().Named("clock"),
	}
}

func (c *Clock) Now() time.Time {
	return time.Now().Add(time.Duration(c.offset.Load()))
}

func (c *Clock) Offset() time.Duration {
	return time.Duration(c.offset.Load())
}

func (c *Clock) Synced() bool {
	return c.synced.Load()
}

// Sync queries the server once. On failure the previous offset is kept.
func (c *Clock) Sync() error {
	if c.server == "" {
		return nil
	}
	off, err := c.query(c.server)
	if err != nil {
		c.logger.Warnf("ntp query %s failed: %s", c.server, err)
		return err
	}
	c.offset.Store(int64(off))
	c.synced.Store(true)
	c.logger.Infof("clock offset %s from %s", off, c.server)
	return nil
}

// Run syncs now and then every interval until ctx is done.
func (c *Clock) Run(ctx context.Context, interval time.Duration) {
	if c.server == "" {
		return
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	_ = c.Sync()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_ = c.Sync()
		}
	}
}
