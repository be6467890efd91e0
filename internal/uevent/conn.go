// internal/uevent/conn.go
package uevent

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

/*
 * Raw netlink connection to the kernel uevent source.
 *
 * We bind to the kernel multicast group (group 1), not the udev-processed
 * group: the daemon reads device attributes from sysfs itself and must not
 * depend on a udev daemon running. The socket is non-blocking and reads are
 * multiplexed with a stop pipe, so Close reliably unblocks a pending read.
 */

const kernelGroup = 1

// Conn is a NETLINK_KOBJECT_UEVENT socket bound to the kernel event group.
type Conn struct {
	fd    int
	buf   []byte
	stopR *os.File
	stopW *os.File
}

// Connect opens and binds the uevent netlink socket.
func Connect() (*Conn, error) {
	fd, err := syscall.Socket(syscall.AF_NETLINK, syscall.SOCK_RAW, syscall.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("failed to open uevent socket: %w", err)
	}

	addr := syscall.SockaddrNetlink{
		Family: syscall.AF_NETLINK,
		Groups: kernelGroup,
		Pid:    uint32(os.Getpid()),
	}
	if err := syscall.Bind(fd, &addr); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("failed to bind uevent socket: %w", err)
	}
	if err := syscall.SetNonblock(fd, true); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("failed to set uevent socket non-blocking: %w", err)
	}

	stopR, stopW, err := os.Pipe()
	if err != nil {
		syscall.Close(fd)
		return nil, err
	}

	return &Conn{
		fd: fd,
		// Kernel uevents are small; 64k leaves ample headroom per message.
		buf:   make([]byte, 64*1024),
		stopR: stopR,
		stopW: stopW,
	}, nil
}

// ReadMsg blocks until one uevent message arrives or Close is called.
// Returns os.ErrClosed after Close.
func (c *Conn) ReadMsg() ([]byte, error) {
	for {
		readable, err := c.waitReadable()
		if err != nil {
			return nil, err
		}
		if !readable {
			return nil, os.ErrClosed
		}

		n, _, err := syscall.Recvfrom(c.fd, c.buf, 0)
		if err == syscall.EAGAIN {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read uevent message: %w", err)
		}

		msg := make([]byte, n)
		copy(msg, c.buf[:n])
		return msg, nil
	}
}

// waitReadable polls the socket and the stop pipe. It reports false when
// the stop pipe fired.
func (c *Conn) waitReadable() (bool, error) {
	fds := []unix.PollFd{
		{Fd: int32(c.fd), Events: unix.POLLIN},
		{Fd: int32(c.stopR.Fd()), Events: unix.POLLIN},
	}
	for {
		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("failed to poll uevent socket: %w", err)
		}
		if fds[1].Revents&unix.POLLIN != 0 {
			return false, nil
		}
		return fds[0].Revents&unix.POLLIN != 0, nil
	}
}

// Close unblocks any pending read and releases the socket.
func (c *Conn) Close() error {
	c.stopW.Write([]byte{0})
	c.stopW.Close()
	c.stopR.Close()
	return syscall.Close(c.fd)
}
