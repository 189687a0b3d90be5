//go:build !unix

package ping

func noBufferSpace(err error) bool {
	return false
}
