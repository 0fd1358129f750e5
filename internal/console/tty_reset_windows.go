//go:build windows

package console

func bestEffortResetTTY() {}
