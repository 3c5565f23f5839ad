//go:build !linux && !darwin

package sysprobe

import "errors"

func freeBytes(string) (uint64, error) {
	return 0, errors.New("free space probe is not supported on this platform")
}
