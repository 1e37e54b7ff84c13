//go:build linux

package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// readInputDevices reads from all input devices in one goroutine using epoll.
// The kernel wakes us only when a device has data, or when done is closed: an
// eventfd in the same epoll set is signalled on shutdown, since closing a device
// file does not wake EpollWait.
func readInputDevices(files []*os.File, events chan<- inputEvent, readErr chan<- error, done <-chan struct{}) {
	fail := func(err error) {
		select {
		case readErr <- err:
		case <-done:
		}
	}

	if len(files) == 0 {
		fail(errors.New("no input devices provided"))
		return
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		fail(fmt.Errorf("epoll_create1: %w", err))
		return
	}
	defer unix.Close(epfd)

	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		fail(fmt.Errorf("eventfd: %w", err))
		return
	}
	wake := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &wake); err != nil {
		unix.Close(wakefd)
		fail(fmt.Errorf("epoll_ctl_add eventfd: %w", err))
		return
	}

	// The waker must be gone before wakefd is closed, or it could write to a
	// reused descriptor.
	quit := make(chan struct{})
	wakerDone := make(chan struct{})
	go func() {
		defer close(wakerDone)
		select {
		case <-done:
			var one [8]byte
			binary.LittleEndian.PutUint64(one[:], 1)
			_, _ = unix.Write(wakefd, one[:])
		case <-quit:
		}
	}()
	defer func() {
		close(quit)
		<-wakerDone
		unix.Close(wakefd)
	}()

	fdToFile := make(map[int]*os.File)
	for _, f := range files {
		fd := int(f.Fd())
		fdToFile[fd] = f

		event := unix.EpollEvent{
			Events: unix.EPOLLIN,
			Fd:     int32(fd),
		}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
			fail(fmt.Errorf("epoll_ctl_add %s: %w", f.Name(), err))
			return
		}
	}

	const maxEvents = 32
	epollEvents := make([]unix.EpollEvent, maxEvents)
	buf := make([]byte, binary.Size(inputEvent{}))
	reader := bytes.NewReader(buf)

	for {
		n, err := unix.EpollWait(epfd, epollEvents, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			fail(fmt.Errorf("epoll_wait: %w", err))
			return
		}

		for i := 0; i < n; i++ {
			fd := int(epollEvents[i].Fd)
			if fd == wakefd {
				return
			}
			f := fdToFile[fd]

			// Any device error is fatal for the reader.
			if epollEvents[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				fail(fmt.Errorf("device error/hangup: %s", f.Name()))
				return
			}

			if _, err := f.Read(buf); err != nil {
				fail(fmt.Errorf("read from %s: %w", f.Name(), err))
				return
			}

			reader.Reset(buf)
			var ev inputEvent
			if err := binary.Read(reader, binary.LittleEndian, &ev); err != nil {
				continue
			}
			select {
			case events <- ev:
			case <-done:
				return
			}
		}
	}
}
