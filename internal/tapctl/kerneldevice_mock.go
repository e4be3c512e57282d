package tapctl

import "fmt"

// MockKernelDevice is an in-memory KernelDevice used by allocator and
// lifecycle tests that must run without a real blktap character device.
type MockKernelDevice struct {
	NextMinor   int
	RingMajor   int
	DeviceMajor int
	Freed       []int
}

// NewMockKernelDevice returns a MockKernelDevice with sane default
// majors.
func NewMockKernelDevice() *MockKernelDevice {
	return &MockKernelDevice{RingMajor: 250, DeviceMajor: 251}
}

func (m *MockKernelDevice) AllocTap() (TapDeviceInfo, error) {
	info := TapDeviceInfo{RingMajor: m.RingMajor, DeviceMajor: m.DeviceMajor, Minor: m.NextMinor}
	m.NextMinor++
	return info, nil
}

func (m *MockKernelDevice) FreeTap(minor int) error {
	m.Freed = append(m.Freed, minor)
	return nil
}

func (m *MockKernelDevice) MknodRing(minor, ringMajor int) (string, error) {
	return fmt.Sprintf("/dev/xen/blktap-2/blktap%d", minor), nil
}

func (m *MockKernelDevice) MknodBlock(minor, deviceMajor int) (string, error) {
	return fmt.Sprintf("/dev/xen/blktap-2/tapdev%d", minor), nil
}
