package verifier

import (
	"context"
	"strconv"
	"time"

	"github.com/GwanWingYan/fabric-relay/pkg/types"
	"github.com/allegro/bigcache/v3"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	defaultRequestTimeout  = 5 * time.Second
	defaultMaxWait         = 60 * time.Second
	defaultInitialInterval = 200 * time.Millisecond
	defaultMaxInterval     = 3 * time.Second
)

var errBlockNotYetAvailable = errors.New("block not yet available")

// BlockReader is the read path to a peer trusted as a header anchor
type BlockReader interface {
	BlockNumber(ctx context.Context) (int64, error)
	BlockByNumber(ctx context.Context, number int64) ([]byte, error)
}

// PollingSource is a BlockHeaderManager that waits for the anchor to reach
// the requested height before fetching the block.
type PollingSource struct {
	reader          BlockReader
	requestTimeout  time.Duration
	maxWait         time.Duration
	initialInterval time.Duration
	maxInterval     time.Duration
	logger          *log.Logger
}

// PollOption configures a PollingSource
type PollOption func(*PollingSource)

// WithMaxWait bounds how long GetBlockHeader waits for a block to appear
func WithMaxWait(d time.Duration) PollOption {
	return func(s *PollingSource) {
		s.maxWait = d
	}
}

// WithPollInterval sets the backoff bounds between height checks
func WithPollInterval(initial, max time.Duration) PollOption {
	return func(s *PollingSource) {
		s.initialInterval = initial
		s.maxInterval = max
	}
}

// WithRequestTimeout bounds each individual read
func WithRequestTimeout(d time.Duration) PollOption {
	return func(s *PollingSource) {
		s.requestTimeout = d
	}
}

// WithSourceLogger sets the logger
func WithSourceLogger(logger *log.Logger) PollOption {
	return func(s *PollingSource) {
		s.logger = logger
	}
}

// NewPollingSource wraps reader
func NewPollingSource(reader BlockReader, opts ...PollOption) *PollingSource {
	s := &PollingSource{
		reader:          reader,
		requestTimeout:  defaultRequestTimeout,
		maxWait:         defaultMaxWait,
		initialInterval: defaultInitialInterval,
		maxInterval:     defaultMaxInterval,
		logger:          log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *PollingSource) GetBlockNumber() (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()
	return s.reader.BlockNumber(ctx)
}

// GetBlockHeader blocks until the block exists on the anchor or the maximum
// wait elapses.
func (s *PollingSource) GetBlockHeader(number int64) ([]byte, error) {
	if number < 0 {
		return nil, errors.Errorf("invalid block number %d", number)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initialInterval
	b.MaxInterval = s.maxInterval
	b.MaxElapsedTime = s.maxWait

	var data []byte
	operation := func() error {
		height, err := s.GetBlockNumber()
		if err != nil {
			return err
		}
		if height < number {
			return errBlockNotYetAvailable
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
		defer cancel()
		data, err = s.reader.BlockByNumber(ctx, number)
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Debugf("Block %d: %v, retrying in %s", number, err, wait)
	}

	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		return nil, errors.Wrapf(err, "fetch block %d", number)
	}
	return data, nil
}

func (s *PollingSource) AsyncGetBlockHeader(number int64, callback func([]byte, error)) {
	go func() {
		callback(s.GetBlockHeader(number))
	}()
}

// CachedSource keeps fetched blocks in memory. Committed blocks never change,
// so an entry is valid until evicted.
type CachedSource struct {
	source types.BlockHeaderManager
	cache  *bigcache.BigCache
	logger *log.Logger
}

// CacheConfig sizes the block cache
type CacheConfig struct {
	LifeWindow   time.Duration
	MaxSizeMB    int
	MaxEntrySize int
}

// NewCachedSource wraps source with a bigcache keyed by block number
func NewCachedSource(source types.BlockHeaderManager, conf CacheConfig, logger *log.Logger) (*CachedSource, error) {
	if conf.LifeWindow <= 0 {
		conf.LifeWindow = 10 * time.Minute
	}
	if logger == nil {
		logger = log.StandardLogger()
	}

	cacheConfig := bigcache.DefaultConfig(conf.LifeWindow)
	cacheConfig.Shards = 64
	cacheConfig.Verbose = false
	if conf.MaxSizeMB > 0 {
		cacheConfig.HardMaxCacheSize = conf.MaxSizeMB
	}
	if conf.MaxEntrySize > 0 {
		cacheConfig.MaxEntrySize = conf.MaxEntrySize
	}

	cache, err := bigcache.New(context.Background(), cacheConfig)
	if err != nil {
		return nil, errors.Wrap(err, "create block cache")
	}

	return &CachedSource{source: source, cache: cache, logger: logger}, nil
}

func (c *CachedSource) GetBlockNumber() (int64, error) {
	return c.source.GetBlockNumber()
}

func (c *CachedSource) GetBlockHeader(number int64) ([]byte, error) {
	if data, ok := c.lookup(number); ok {
		return data, nil
	}
	data, err := c.source.GetBlockHeader(number)
	if err != nil {
		return nil, err
	}
	c.store(number, data)
	return data, nil
}

func (c *CachedSource) AsyncGetBlockHeader(number int64, callback func([]byte, error)) {
	if data, ok := c.lookup(number); ok {
		callback(data, nil)
		return
	}
	c.source.AsyncGetBlockHeader(number, func(data []byte, err error) {
		if err == nil {
			c.store(number, data)
		}
		callback(data, err)
	})
}

// Len is the number of cached blocks
func (c *CachedSource) Len() int {
	return c.cache.Len()
}

// Close releases the cache
func (c *CachedSource) Close() error {
	return c.cache.Close()
}

func (c *CachedSource) lookup(number int64) ([]byte, bool) {
	data, err := c.cache.Get(strconv.FormatInt(number, 10))
	if err != nil {
		if err != bigcache.ErrEntryNotFound {
			c.logger.Warnf("Block cache lookup %d failed: %v", number, err)
		}
		return nil, false
	}
	return data, true
}

func (c *CachedSource) store(number int64, data []byte) {
	if len(data) == 0 {
		return
	}
	if err := c.cache.Set(strconv.FormatInt(number, 10), data); err != nil {
		c.logger.Warnf("Block cache store %d failed: %v", number, err)
	}
}
