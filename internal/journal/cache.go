package journal

import (
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
)

// readCache keeps the most recently opened read handle, keyed by sequence
// number, so that polling the journal tail does not reopen the file each tick.
type readCache struct {
	mu     sync.Mutex
	seq    int
	file   *os.File
	open   func(seq int) (*os.File, error)
	logger *log.Entry
}

func newReadCache(open func(seq int) (*os.File, error), logger *log.Entry) *readCache {
	return &readCache{open: open, logger: logger}
}

// do runs fn against the cached handle for seq. A different seq or
// forceReopen replaces the cached handle first. fn runs with the cache
// locked, so the handle cannot be closed underneath it.
func (c *readCache) do(seq int, forceReopen bool, fn func(f *os.File) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.file == nil || forceReopen || c.seq != seq {
		f, err := c.open(seq)
		if err != nil {
			return err
		}
		if c.file != nil {
			c.logger.WithField("seq", c.seq).Debug("close cached file for read")
			_ = c.file.Close()
		}
		c.logger.WithFields(log.Fields{"seq": seq, "force": forceReopen}).Debug("cache open for read")
		c.seq, c.file = seq, f
	}
	return fn(c.file)
}

// invalidate closes the cached handle.
func (c *readCache) invalidate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file, c.seq = nil, 0
	return err
}

// cachedSeq returns the sequence number currently cached, or 0.
func (c *readCache) cachedSeq() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return 0
	}
	return c.seq
}
