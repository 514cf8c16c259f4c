package comments

import "fmt"

// Config holds the expander's pacing knobs. Durations are milliseconds.
type Config struct {
	ScrollThrottle    int     `json:"scrollThrottle"`
	MutationThrottle  int     `json:"mutationThrottle"`
	InitialDelay      int     `json:"initialDelay"`
	ClickInterval     int     `json:"clickInterval"`
	SettleDelay       int     `json:"settleDelay"`
	MaxRetries        int     `json:"maxRetries"`
	MaxClicksPerBatch int     `json:"maxClicksPerBatch"`
	ScrollThreshold   float64 `json:"scrollThreshold"`
}

func DefaultConfig() Config {
	return Config{
		ScrollThrottle:    250,
		MutationThrottle:  150,
		InitialDelay:      1500,
		ClickInterval:     500,
		SettleDelay:       100,
		MaxRetries:        5,
		MaxClicksPerBatch: 3,
		ScrollThreshold:   0.8,
	}
}

// normalize clamps out-of-range values instead of rejecting them.
func (c Config) normalize() Config {
	if c.ScrollThreshold < 0.1 {
		c.ScrollThreshold = 0.1
	}
	if c.ScrollThreshold > 1 {
		c.ScrollThreshold = 1
	}
	if c.MaxClicksPerBatch < 1 {
		c.MaxClicksPerBatch = 1
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	for _, p := range []*int{&c.ScrollThrottle, &c.MutationThrottle, &c.InitialDelay, &c.ClickInterval, &c.SettleDelay} {
		if *p < 0 {
			*p = 0
		}
	}
	return c
}

func (c Config) String() string {
	return fmt.Sprintf("retries=%d clicks/batch=%d threshold=%.2f", c.MaxRetries, c.MaxClicksPerBatch, c.ScrollThreshold)
}
