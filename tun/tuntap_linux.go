//go:build linux

package tun

import (
	"bytes"
	"context"
	"os"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// linuxTUN wraps a /dev/net/tun file descriptor opened in IFF_TUN|IFF_NO_PI
// mode, satisfying Device. Grounded on
// telepresenceio-telepresence/pkg/client/daemon/tun/{tuntap_linux.go,syscall_linux.go}.
type linuxTUN struct {
	f    *os.File
	name string
}

// OpenLinuxTUN attaches to a TUN device named name (spec S6's
// "Interface::new ... attach to a TUN device named tun0 in IP mode").
func OpenLinuxTUN(name string) (Device, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrap(err, "tun: open /dev/net/tun")
	}

	ifName, err := ioctlTunSetInterfaceFlags(fd, name, unix.IFF_TUN|unix.IFF_NO_PI)
	if err != nil {
		_ = unix.Close(fd)
		return nil, errors.Wrap(err, "tun: TUNSETIFF")
	}

	// Non-blocking so Close() unsticks a Read() promptly instead of
	// hanging for the OS's read timeout.
	_ = unix.SetNonblock(fd, true)
	return &linuxTUN{f: os.NewFile(uintptr(fd), ifName), name: ifName}, nil
}

// Recv reads one frame, or returns promptly once ctx is done (Device's
// contract, device.go:13-16). The non-blocking fd makes t.f pollable, so
// t.f.Read parks in the runtime netpoller rather than returning EAGAIN to us
// -- the only way to unstick it before data arrives is a read deadline, so a
// watcher goroutine drives one from ctx.Done(), mirroring the
// deadline-from-context idiom net.Conn callers use for the same problem.
func (t *linuxTUN) Recv(ctx context.Context, buf []byte) (int, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = t.f.SetReadDeadline(time.Now())
		case <-watchDone:
		}
	}()

	for {
		n, err := t.f.Read(buf)
		if err == nil {
			return n, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			continue
		}
		return 0, err
	}
}

func (t *linuxTUN) Send(ctx context.Context, buf []byte) (int, error) {
	return t.f.Write(buf)
}

func (t *linuxTUN) Close() error {
	return t.f.Close()
}

// ioctlTunSetInterfaceFlags wraps the TUNSETIFF ioctl, adapted from
// syscall_linux.go's IoctlTunSetInterfaceFlags.
func ioctlTunSetInterfaceFlags(fd int, name string, flags int16) (string, error) {
	var ifreq struct {
		name  [unix.IFNAMSIZ]byte
		flags int16
	}
	if len(name) > unix.IFNAMSIZ {
		return "", unix.EINVAL
	}
	copy(ifreq.name[:], name)
	ifreq.flags = flags

	err := unix.IoctlSetInt(fd, unix.TUNSETIFF, int(uintptr(unsafe.Pointer(&ifreq))))
	return string(bytes.SplitN(ifreq.name[:], []byte{0}, 2)[0]), err
}
