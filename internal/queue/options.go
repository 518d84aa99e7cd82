package queue

import (
	"os"
	"time"
)

// Options configure one named queue. Zero fields fall back to defaults at
// handle creation; the first GetOrCreate for a name wins, later options for
// the same name are ignored.
type Options struct {
	Group     string        // consumer group name
	ReadCount int64         // max messages per XREADGROUP
	ReadBlock time.Duration // block time per XREADGROUP
	StallIdle time.Duration // pending idle time before a message counts as stalled
	StallScan time.Duration // stalled-monitor period; <0 disables the monitor
}

func DefaultOptions() Options {
	return Options{
		Group:     getenv("QUEUE_CONSUMER_GROUP", "cg:workers"),
		ReadCount: 16,
		ReadBlock: 5 * time.Second,
		StallIdle: 60 * time.Second,
		StallScan: 15 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Group == "" {
		o.Group = def.Group
	}
	if o.ReadCount <= 0 {
		o.ReadCount = def.ReadCount
	}
	if o.ReadBlock <= 0 {
		o.ReadBlock = def.ReadBlock
	}
	if o.StallIdle <= 0 {
		o.StallIdle = def.StallIdle
	}
	if o.StallScan == 0 {
		o.StallScan = def.StallScan
	}
	return o
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
