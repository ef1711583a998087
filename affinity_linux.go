//go:build linux

package crawler

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// pinWorker locks the calling goroutine to an OS thread and restricts that
// thread to its pod's core range. Pod i owns cores
// [i*cores_per_pod, (i+1)*cores_per_pod); the first fetcher_cores_per_pod of
// those serve fetchers and the remainder serve parsers. Cache locality is the
// point: a pod's workers keep touching the same frontier and KV pages.
func pinWorker(pod int, isFetcher bool) {
	if !Config.Affinity.EnableCPUAffinity {
		return
	}
	coresPerPod := Config.Affinity.CoresPerPod
	fetcherCores := Config.Affinity.FetcherCoresPerPod

	base := pod * coresPerPod
	lo, hi := base, base+coresPerPod
	if fetcherCores > 0 && fetcherCores < coresPerPod {
		if isFetcher {
			hi = base + fetcherCores
		} else {
			lo = base + fetcherCores
		}
	}

	numCPU := runtime.NumCPU()
	var set unix.CPUSet
	for core := lo; core < hi; core++ {
		set.Set(core % numCPU)
	}

	runtime.LockOSThread()
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		log := ComponentLog("affinity")
		log.Warn().Err(err).Int("pod", pod).Msg("failed to set cpu affinity")
		runtime.UnlockOSThread()
	}
}
