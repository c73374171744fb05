package procfs

import (
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/karlseguin/ccache/v3"

	"github.com/yandex/tracemux/pkg/linux"
)

////////////////////////////////////////////////////////////////////////////////

// ReadMaps parses <pid>/maps from the given procfs root.
func ReadMaps(procfs fs.FS, pid linux.ProcessID) (*Maps, error) {
	path := fmt.Sprintf("%d/maps", pid)

	f, err := procfs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	return ParseMaps(f, path)
}

////////////////////////////////////////////////////////////////////////////////

type MapsCacheConfig struct {
	TTL     time.Duration `yaml:"ttl"`
	MaxSize int64         `yaml:"max_size"`
}

// MapsCache keeps recently read process maps.
// Entries expire after TTL and can be invalidated explicitly on mmap/exec.
type MapsCache struct {
	procfs fs.FS
	ttl    time.Duration
	cache  *ccache.Cache[*Maps]
}

func NewMapsCache(procfs fs.FS, conf MapsCacheConfig) *MapsCache {
	if procfs == nil {
		procfs = os.DirFS("/proc")
	}
	if conf.TTL == 0 {
		conf.TTL = time.Second
	}

	ccconf := ccache.Configure[*Maps]()
	if conf.MaxSize > 0 {
		ccconf = ccconf.MaxSize(conf.MaxSize)
	}

	return &MapsCache{
		procfs: procfs,
		ttl:    conf.TTL,
		cache:  ccache.New(ccconf),
	}
}

func (c *MapsCache) Get(pid linux.ProcessID) (*Maps, error) {
	item, err := c.cache.Fetch(cacheKey(pid), c.ttl, func() (*Maps, error) {
		return ReadMaps(c.procfs, pid)
	})
	if err != nil {
		return nil, err
	}
	return item.Value(), nil
}

func (c *MapsCache) Invalidate(pid linux.ProcessID) {
	c.cache.Delete(cacheKey(pid))
}

func (c *MapsCache) Stop() {
	c.cache.Stop()
}

func cacheKey(pid linux.ProcessID) string {
	return strconv.FormatInt(int64(pid), 10)
}
