//go:build !unix

package app

import "os"

// lifecycleSignals never fires here; use /background and /foreground instead.
func lifecycleSignals() lifecycleSource {
	return lifecycleSource{
		ch:     make(chan os.Signal, 1),
		action: func(os.Signal) lifecycleAction { return lifecycleNone },
	}
}
