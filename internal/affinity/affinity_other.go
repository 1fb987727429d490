//go:build !linux

package affinity

func pin(int) error {
	return ErrUnsupported
}
