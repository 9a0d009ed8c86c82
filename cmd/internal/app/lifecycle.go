package app

import "os"

type lifecycleAction uint8

const (
	lifecycleNone lifecycleAction = iota
	lifecycleBackground
	lifecycleForeground
)

// lifecycleSource delivers the OS signals a terminal host maps to background/foreground.
type lifecycleSource struct {
	ch     chan os.Signal
	action func(os.Signal) lifecycleAction
}
