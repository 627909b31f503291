//go:build windows

package filestage

import "fmt"

func mkfifo(path string) error {
	return fmt.Errorf("filestage: named pipes are not supported on windows")
}

func isEPIPE(err error) bool {
	return false
}
