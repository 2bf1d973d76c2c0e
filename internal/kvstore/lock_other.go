//go:build !unix

package kvstore

// Other platforms only get the in-process mutex.
func lockFile(string) (func(), error) {
	return func() {}, nil
}
