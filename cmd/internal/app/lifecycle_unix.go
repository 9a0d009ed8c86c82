//go:build unix

package app

import (
	"os"
	"os/signal"
	"syscall"
)

// lifecycleSignals maps SIGUSR1 to background and SIGUSR2 to foreground.
func lifecycleSignals() lifecycleSource {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1, syscall.SIGUSR2)
	return lifecycleSource{
		ch: ch,
		action: func(sig os.Signal) lifecycleAction {
			switch sig {
			case syscall.SIGUSR1:
				return lifecycleBackground
			case syscall.SIGUSR2:
				return lifecycleForeground
			default:
				return lifecycleNone
			}
		},
	}
}
