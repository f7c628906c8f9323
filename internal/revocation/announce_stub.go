//go:build !real_waku

package revocation

// newGossipBackend returns nil in builds without the real_waku tag; the
// announcer reports the go-waku transport as unavailable.
func newGossipBackend() announceBackend {
	return nil
}
