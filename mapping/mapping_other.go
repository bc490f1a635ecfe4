//go:build !unix

package mapping

func pageSize() int {
	return 4096
}

func reserve(int) ([]byte, error) {
	return nil, ErrUnsupported
}

func unmap([]byte) error {
	return ErrUnsupported
}

func address([]byte) uintptr {
	return 0
}
