//go:build !linux

package main

import (
	"errors"
	"os"
)

func readInputDevices(files []*os.File, events chan<- inputEvent, readErr chan<- error, done <-chan struct{}) {
	select {
	case readErr <- errors.New("media keys are only supported on linux"):
	case <-done:
	}
}
