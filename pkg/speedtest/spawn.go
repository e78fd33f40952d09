package speedtest

// Spawner lets callers own the goroutines the engine starts (event
// delivery, concurrent probes, latency samplers). When nil, the engine uses
// plain `go`.
type Spawner interface {
	Go(name string, fn func())
}

// SpawnerFunc adapts a function to Spawner.
type SpawnerFunc func(name string, fn func())

func (f SpawnerFunc) Go(name string, fn func()) { f(name, fn) }

type goSpawner struct{}

func (goSpawner) Go(_ string, fn func()) { go fn() }
