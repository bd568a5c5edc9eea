package squashfs

import "math/rand"

// randTestBytes returns deterministic pseudo-random data for tests.
func randTestBytes(seed int64, n int) []byte {
	rnd := rand.New(rand.NewSource(seed))
	buf := make([]byte, n)
	rnd.Read(buf)
	return buf
}
