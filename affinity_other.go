//go:build !linux

package crawler

// pinWorker is a no-op off Linux; sched_setaffinity has no portable analogue.
func pinWorker(pod int, isFetcher bool) {}
