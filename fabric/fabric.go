package fabric

import (
	"fmt"

	crawler "github.com/andrewkchan/crawler"
)

// Fabric holds the full set of pod stores for the crawl. Domains are mapped
// to pods by hashing; the mapping is fixed for the life of the crawl, since
// re-sharding would orphan every pod's on-disk state.
type Fabric struct {
	stores []*PodStore
}

// Open opens every pod store named in the loaded configuration.
func Open() (*Fabric, error) {
	numPods := crawler.Config.NumPods()
	if numPods == 0 {
		return nil, fmt.Errorf("no pods configured")
	}
	f := &Fabric{}
	for i := 0; i < numPods; i++ {
		store, err := OpenPodStore(crawler.Config.Fabric.Pods[i].KVPath)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("opening pod %d: %w", i, err)
		}
		f.stores = append(f.stores, store)
	}
	return f, nil
}

// Close closes every pod store. Safe on a partially opened fabric.
func (f *Fabric) Close() error {
	var firstErr error
	for _, store := range f.stores {
		if store == nil {
			continue
		}
		if err := store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NumPods returns the pod count.
func (f *Fabric) NumPods() int { return len(f.stores) }

// Pod returns pod i's store.
func (f *Fabric) Pod(i int) *PodStore { return f.stores[i] }

// PodFor returns the store owning the given registrable domain.
func (f *Fabric) PodFor(domain string) *PodStore {
	return f.stores[crawler.PodOf(domain, len(f.stores))]
}

// Coordination returns the pod store hosting the global coordination state.
func (f *Fabric) Coordination() *PodStore {
	return f.stores[crawler.Config.Fabric.GlobalCoordinationPod]
}
