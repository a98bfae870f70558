package screenshot

import (
	"fmt"
	"time"
)

// DefaultStaleAfter bounds both the Computing lease and the Error
// retry throttle.
const DefaultStaleAfter = 10 * time.Minute

// Config holds the pipeline settings. Values are read once when the
// Pipeline is built and stay constant for its lifetime.
type Config struct {
	// StaleAfter is the age at which a Computing or Error entry becomes
	// eligible for recompute. Default: 10m.
	StaleAfter time.Duration `yaml:"stale_after"`

	// HashAlgorithm for key derivation: md5 | sha256 | blake2b. Default: md5.
	HashAlgorithm HashAlgorithm `yaml:"hash_algorithm"`

	// DefaultWindow is used when neither the request nor the preset gives one.
	DefaultWindow Size `yaml:"default_window"`

	// DefaultThumb is used when neither the request nor the preset gives one.
	// Zero means "same as window", which skips resizing.
	DefaultThumb Size `yaml:"default_thumb"`
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.HashAlgorithm == "" {
		c.HashAlgorithm = HashMD5
	}
	if c.DefaultWindow.IsZero() {
		c.DefaultWindow = Size{Width: 1600, Height: 1200}
	}
}

// Validate reports configuration that would break key derivation or sizing.
func (c *Config) Validate() error {
	if !c.HashAlgorithm.Valid() {
		return fmt.Errorf("screenshot: unknown hash algorithm %q", string(c.HashAlgorithm))
	}
	if !c.DefaultWindow.Valid() {
		return fmt.Errorf("screenshot: invalid default window %s", c.DefaultWindow)
	}
	if !c.DefaultThumb.IsZero() && !c.DefaultThumb.Valid() {
		return fmt.Errorf("screenshot: invalid default thumb %s", c.DefaultThumb)
	}
	return nil
}
