//go:build !linux

package transport

// DefaultSampler returns nil: resource sampling is only implemented on
// Linux, so the monitor stays off elsewhere.
func DefaultSampler() Sampler {
	return nil
}
