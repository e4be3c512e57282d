package tdiskd

import (
	"github.com/blktap/blktap/internal/vhd"
)

// vhdDriver adapts an open vhd.Context to the Driver interface.
type vhdDriver struct {
	ctx *vhd.Context
}

func openVHD(path string, readOnly bool) (Driver, error) {
	mode := vhd.ReadWrite
	if readOnly {
		mode = vhd.ReadOnly
	}
	c, err := vhd.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return &vhdDriver{ctx: c}, nil
}

func init() {
	Register("vhd", openVHD)
}

func (d *vhdDriver) Close() error { return d.ctx.Close() }

func (d *vhdDriver) ReadAt(lsn, nsectors int, p []byte) error {
	return d.ctx.ReadSectors(lsn, nsectors, p)
}

func (d *vhdDriver) WriteAt(lsn, nsectors int, p []byte) error {
	return d.ctx.WriteSectors(lsn, nsectors, p)
}

func (d *vhdDriver) GetSize() (int64, error) {
	return int64(d.ctx.Footer().CurrentSize / vhd.SectorSize), nil
}

func (d *vhdDriver) GetSecSize() (uint32, error) {
	return vhd.SectorSize, nil
}

func (d *vhdDriver) GetInfo() (uint32, error) {
	return 0, nil
}
