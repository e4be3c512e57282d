package tapctl

import (
	"os"
	"strconv"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/blktap/blktap/internal/taperr"
)

// controlDevicePath is the blktap control character device consulted by
// ALLOC_TAP/FREE_TAP ioctls.
const controlDevicePath = "/dev/xen/blktap-2/control"

// blktap2IoctlAllocTap and blktap2IoctlFreeTap mirror the kernel header's
// ioctl numbers.
const (
	blktap2IoctlAllocTap = 0x90000001
	blktap2IoctlFreeTap  = 0x90000002
)

// TapDeviceInfo is the triple returned by ALLOC_TAP.
type TapDeviceInfo struct {
	RingMajor   int
	DeviceMajor int
	Minor       int
}

// KernelDevice abstracts the blktap control device so the allocator and
// lifecycle code are testable without a real character device present;
// the production implementation below issues real ioctls and mknod(2)
// calls via golang.org/x/sys/unix.
type KernelDevice interface {
	AllocTap() (TapDeviceInfo, error)
	FreeTap(minor int) error
	MknodRing(minor, ringMajor int) (string, error)
	MknodBlock(minor, deviceMajor int) (string, error)
}

// unixKernelDevice is the production KernelDevice backed by the real
// blktap character device.
type unixKernelDevice struct {
	devDir string
}

// NewUnixKernelDevice returns the production KernelDevice, creating device
// nodes under devDir (default /dev/xen/blktap-2). It opens nothing itself:
// AllocTap and FreeTap open the control device on each call.
func NewUnixKernelDevice(devDir string) KernelDevice {
	if devDir == "" {
		devDir = "/dev/xen/blktap-2"
	}
	return &unixKernelDevice{devDir: devDir}
}

func (k *unixKernelDevice) AllocTap() (TapDeviceInfo, error) {
	f, err := os.OpenFile(controlDevicePath, os.O_RDWR, 0)
	if err != nil {
		return TapDeviceInfo{}, taperr.New(taperr.IO, "tapctl.AllocTap", err)
	}
	defer f.Close()

	var raw [3]int32
	if err := ioctlPtr(f.Fd(), blktap2IoctlAllocTap, &raw); err != nil {
		return TapDeviceInfo{}, taperr.New(taperr.IO, "tapctl.AllocTap", err)
	}
	return TapDeviceInfo{RingMajor: int(raw[0]), DeviceMajor: int(raw[1]), Minor: int(raw[2])}, nil
}

func (k *unixKernelDevice) FreeTap(minor int) error {
	f, err := os.OpenFile(controlDevicePath, os.O_RDWR, 0)
	if err != nil {
		return taperr.New(taperr.IO, "tapctl.FreeTap", err)
	}
	defer f.Close()
	m := int32(minor)
	if err := ioctlPtr(f.Fd(), blktap2IoctlFreeTap, &m); err != nil {
		return taperr.New(taperr.IO, "tapctl.FreeTap", err)
	}
	return nil
}

func (k *unixKernelDevice) MknodRing(minor, ringMajor int) (string, error) {
	path := k.devDir + "/blktap" + strconv.Itoa(minor)
	dev := unix.Mkdev(uint32(ringMajor), uint32(minor))
	if err := unix.Mknod(path, unix.S_IFCHR|0600, int(dev)); err != nil && err != unix.EEXIST {
		return "", taperr.New(taperr.IO, "tapctl.MknodRing", err)
	}
	return path, nil
}

func (k *unixKernelDevice) MknodBlock(minor, deviceMajor int) (string, error) {
	path := k.devDir + "/tapdev" + strconv.Itoa(minor)
	dev := unix.Mkdev(uint32(deviceMajor), uint32(minor))
	if err := unix.Mknod(path, unix.S_IFBLK|0600, int(dev)); err != nil && err != unix.EEXIST {
		return "", taperr.New(taperr.IO, "tapctl.MknodBlock", err)
	}
	return path, nil
}

// ioctlPtr issues a raw ioctl(2) call with an argp pointing at v, used for
// the ALLOC_TAP/FREE_TAP requests which carry fixed-size structs rather
// than the single-int shape unix.IoctlGetInt/SetInt assume.
func ioctlPtr(fd uintptr, req uintptr, v interface{}) error {
	var ptr uintptr
	switch p := v.(type) {
	case *[3]int32:
		ptr = uintptr(unsafe.Pointer(p))
	case *int32:
		ptr = uintptr(unsafe.Pointer(p))
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, ptr)
	if errno != 0 {
		return errno
	}
	return nil
}
