// Package statsd is a helper package that wraps some common statsd methods.
// It hides the datadog dependency so the engine only depends on this file.
package statsd

import (
	"sync"
	"time"

	ddstatsd "github.com/DataDog/datadog-go/v5/statsd"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"
)

var (
	mu     sync.RWMutex
	client ddstatsd.ClientInterface = &ddstatsd.NoOpClient{}
)

// Client returns the process-wide client, a no-op until Init succeeds.
func Client() ddstatsd.ClientInterface {
	mu.RLock()
	defer mu.RUnlock()
	return client
}

// SetClient replaces the process-wide client. Passing nil restores the no-op client.
func SetClient(c ddstatsd.ClientInterface) {
	mu.Lock()
	defer mu.Unlock()
	if c == nil {
		c = &ddstatsd.NoOpClient{}
	}
	client = c
}

// EmitStageStat records how long a dispatcher stage took.
func EmitStageStat(start time.Time, stage string) {
	emitTiming("stage", time.Since(start), Tag("stage", stage))
}

// EmitSystemStat records how long one system took.
func EmitSystemStat(duration time.Duration, stage, system string) {
	emitTiming("system", duration, Tag("stage", stage), Tag("system", system))
}

// EmitDefragStat records how many archetypes a defragmentation run compacted.
func EmitDefragStat(compacted, deferred int) {
	c := Client()
	if err := c.Count("defrag.compacted", int64(compacted), nil, 1); err != nil {
		log.Logger.Warn().Msgf("failed to emit defrag stat: %v", err)
	}
	if err := c.Gauge("defrag.deferred", float64(deferred), nil, 1); err != nil {
		log.Logger.Warn().Msgf("failed to emit defrag stat: %v", err)
	}
}

func emitTiming(name string, duration time.Duration, tags ...string) {
	if err := Client().Timing(name, duration, tags, 1); err != nil {
		log.Logger.Warn().Msgf("failed to emit %s stat: %v", name, err)
	}
}

// Tag formats a key:value metric tag.
func Tag(key, value string) string {
	return key + ":" + value
}

// Init connects to the statsd agent at address and replaces the global client.
func Init(address string, tags []string) error {
	if address == "" {
		return eris.New("address must not be empty")
	}
	opts := []ddstatsd.Option{
		// The statsd namespace is the prefix of all metrics
		ddstatsd.WithNamespace("ecs"),
	}
	if len(tags) > 0 {
		opts = append(opts, ddstatsd.WithTags(tags))
	}

	newClient, err := ddstatsd.New(address, opts...)
	if err != nil {
		return eris.Wrap(err, "failed to create statsd client")
	}
	SetClient(newClient)
	return nil
}
