//go:build !((linux || darwin || windows) && cgo)

package call

// Microphone capture via pion/mediadevices needs a malgo backend; on
// platforms without one the session runs receive-only.
func probeNative(_ MediaConstraints) MediaProvider { return nil }
