// Command regexcache-demo is a minimal smoke-test of the Handle API,
// adapted from the teacher's standalone main.go walkthrough (construct,
// populate, wait past a timeout, observe the background worker's effect,
// shut down).
package main

import (
	"fmt"
	"time"

	"github.com/axonops/regexcache"
	"github.com/axonops/regexcache/internal/engine"
	"github.com/axonops/regexcache/internal/rcconfig"
)

func main() {
	cfg := rcconfig.Default()
	cfg.PatternCache.ProtectionSeconds = 0
	cfg.PatternCache.IdleTimeoutSeconds = 2
	cfg.Eviction.TickIntervalMillis = 200

	core := regexcache.New(cfg)

	h, err := core.Acquire(`^[a-z]+@[a-z]+\.[a-z]{2,}$`, engine.Options{})
	if err != nil {
		fmt.Println("acquire failed:", err)
		return
	}

	matched, err := core.MatchFull(h, []byte("krishna@example.com"))
	if err != nil {
		fmt.Println("match_full failed:", err)
		return
	}
	fmt.Println("matched:", matched)

	if err := core.Release(h); err != nil {
		fmt.Println("release failed:", err)
		return
	}

	// Idle timeout is 2s; give the background sweep a few ticks to observe it.
	time.Sleep(3 * time.Second)

	snapshot, _ := core.GetMetrics()
	fmt.Println(string(snapshot))

	core.Shutdown(true)
}
