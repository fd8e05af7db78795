package routing

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zalando/mgw/logging"
	"github.com/zalando/mgw/pipeline"
)

// Options configures the routing.
type Options struct {
	// RoutesFile is the route table file.
	RoutesFile string

	// Registry parses the per route filter configurations.
	Registry pipeline.Registry

	// PollTimeout sets the interval of checking the route table file for
	// changes. Zero disables watching.
	PollTimeout time.Duration

	Log logging.Logger
}

type fileVersion struct {
	modTime time.Time
	size    int64
}

// Routing serves the current route table, reloading it when the file
// changes. A table that fails to load leaves the current one in place.
type Routing struct {
	options Options
	table   atomic.Pointer[Table]
	version fileVersion
	quit    chan struct{}
	once    sync.Once
}

// New loads the initial route table. It fails when the initial table
// cannot be loaded.
func New(o Options) (*Routing, error) {
	if o.Log == nil {
		o.Log = logging.New(map[string]any{"component": "routing"})
	}

	if o.Registry == nil {
		o.Registry = make(pipeline.Registry)
	}

	r := &Routing{options: o, quit: make(chan struct{})}
	v, err := r.stat()
	if err != nil {
		return nil, err
	}

	t, err := r.load()
	if err != nil {
		return nil, err
	}

	r.version = v
	r.table.Store(t)
	o.Log.Infof("route table loaded from %s", o.RoutesFile)
	if o.PollTimeout > 0 {
		go r.watch()
	}

	return r, nil
}

func (r *Routing) stat() (fileVersion, error) {
	fi, err := os.Stat(r.options.RoutesFile)
	if err != nil {
		return fileVersion{}, err
	}

	return fileVersion{modTime: fi.ModTime(), size: fi.Size()}, nil
}

func (r *Routing) load() (*Table, error) {
	f, err := LoadFile(r.options.RoutesFile)
	if err != nil {
		return nil, err
	}

	return NewTable(f, r.options.Registry)
}

func (r *Routing) update() {
	v, err := r.stat()
	if err != nil {
		r.options.Log.Errorf("failed to check the route table file: %v", err)
		return
	}

	if v == r.version {
		return
	}

	r.version = v
	r.options.Log.Debugf("route table file changed: %s", v)
	t, err := r.load()
	if err != nil {
		r.options.Log.Errorf("failed to reload the route table, keeping the current one: %v", err)
		return
	}

	r.table.Store(t)
	r.options.Log.Infof("route table reloaded from %s", r.options.RoutesFile)
}

func (r *Routing) watch() {
	ticker := time.NewTicker(r.options.PollTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.update()
		case <-r.quit:
			return
		}
	}
}

// Table returns the current route table.
func (r *Routing) Table() *Table {
	return r.table.Load()
}

// Route selects the route of a request in the current route table.
func (r *Routing) Route(h pipeline.HeaderMap) (*Match, error) {
	return r.Table().Route(h)
}

// Cluster returns a cluster of the current route table.
func (r *Routing) Cluster(name string) (*Cluster, bool) {
	return r.Table().Cluster(name)
}

// Close stops watching the route table file.
func (r *Routing) Close() {
	r.once.Do(func() { close(r.quit) })
}

func (v fileVersion) String() string {
	return fmt.Sprintf("%s/%d", v.modTime.Format(time.RFC3339Nano), v.size)
}
