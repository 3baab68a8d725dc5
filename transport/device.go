//go:build linux

package transport

import (
	"fmt"
	"io"
	"os"

	"github.com/google/go-tpm/tpmutil"
)

// Device speaks to a Linux TPM character device directly (e.g.
// /dev/tpmrm0, the kernel resource-managed device): open the node
// read/write, Send writes the command frame, Receive reads the
// response frame. The node is opened through google/go-tpm's own
// tpmutil.OpenTPM, which validates the path is actually a device node
// before handing back the read/write channel the kernel TPM driver
// multiplexes. Locality is set through the device's sysfs "locality"
// attribute when present; cancellation through its sysfs "cancel"
// attribute, the standard Linux TPM driver knobs.
type Device struct {
	rw        io.ReadWriteCloser
	sysfsBase string
}

// NewDevice opens path (e.g. "/dev/tpmrm0"). sysfsBase, if non-empty, is
// the sysfs directory (e.g. "/sys/class/tpm/tpm0/device") used for
// locality and cancel control.
func NewDevice(path, sysfsBase string) (*Device, error) {
	rw, err := tpmutil.OpenTPM(path)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", path, err)
	}
	return &Device{rw: rw, sysfsBase: sysfsBase}, nil
}

func init() {
	Register("device", func(opts Options) (Transport, error) {
		path := opts["path"]
		if path == "" {
			path = "/dev/tpmrm0"
		}
		return NewDevice(path, opts["sysfs"])
	})
}

func (d *Device) SetLocality(locality uint8) error {
	if d.sysfsBase == "" {
		return nil
	}
	return os.WriteFile(d.sysfsBase+"/locality", []byte{'0' + locality}, 0)
}

func (d *Device) Send(command []byte) error {
	if _, err := d.rw.Write(command); err != nil {
		return fmt.Errorf("%w: write: %v", ErrUnusable, err)
	}
	return nil
}

func (d *Device) Receive() ([]byte, error) {
	buf := make([]byte, 4096)
	n, err := d.rw.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: read: %v", ErrUnusable, err)
	}
	return buf[:n], nil
}

func (d *Device) Cancel() error {
	if d.sysfsBase == "" {
		return fmt.Errorf("transport: no sysfs path configured for cancel")
	}
	return os.WriteFile(d.sysfsBase+"/cancel", []byte("1"), 0)
}

func (d *Device) Close() error {
	return d.rw.Close()
}
