package driver

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// spidev ioctl request codes, from linux/spi/spidev.h. golang.org/x/sys/unix
// does not expose these (they live in a driver-specific uapi header, not
// the generic syscall set), so they are reproduced here as the Linux ABI
// guarantees them stable across kernel versions.
const (
	spiIocWrMode        = 0x40016b01
	spiIocWrBitsPerWord = 0x40016b03
	spiIocWrMaxSpeedHz  = 0x40046b04
)

// SPIDriver reads and writes CPC frame bytes over an spidev character
// device. The secondary signals "data ready to clock out" by asserting a
// GPIO IRQ line; SPIDriver exposes that line's sysfs value fd as its
// readiness source instead of the spidev fd itself, since spidev has no
// native readiness notion.
type SPIDriver struct {
	spi    *os.File
	irq    *os.File
	irqPin int
}

// OpenSPI opens cfg.Device and configures mode/speed via spidev ioctls,
// then exports and edge-configures the cfg.IRQPin GPIO line through
// /sys/class/gpio, matching the original daemon's sysfs-gpio IRQ handling.
func OpenSPI(cfg SPIConfig) (*SPIDriver, error) {
	spi, err := os.OpenFile(cfg.Device, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("driver: open spi device %s: %w", cfg.Device, err)
	}

	if err := configureSPI(int(spi.Fd()), cfg); err != nil {
		spi.Close()
		return nil, err
	}

	irq, err := openGPIOIRQ(cfg.IRQPin)
	if err != nil {
		spi.Close()
		return nil, err
	}

	return &SPIDriver{spi: spi, irq: irq, irqPin: cfg.IRQPin}, nil
}

func configureSPI(fd int, cfg SPIConfig) error {
	mode := uint32(cfg.Mode)
	if err := unix.IoctlSetInt(fd, spiIocWrMode, int(mode)); err != nil {
		return fmt.Errorf("driver: set spi mode: %w", err)
	}
	if err := unix.IoctlSetInt(fd, spiIocWrBitsPerWord, 8); err != nil {
		return fmt.Errorf("driver: set spi bits per word: %w", err)
	}
	if err := unix.IoctlSetInt(fd, spiIocWrMaxSpeedHz, cfg.SpeedHz); err != nil {
		return fmt.Errorf("driver: set spi max speed: %w", err)
	}
	return nil
}

func openGPIOIRQ(pin int) (*os.File, error) {
	base := fmt.Sprintf("/sys/class/gpio/gpio%d", pin)

	if _, err := os.Stat(base); os.IsNotExist(err) {
		exportFile, err := os.OpenFile("/sys/class/gpio/export", os.O_WRONLY, 0)
		if err != nil {
			return nil, fmt.Errorf("driver: open gpio export: %w", err)
		}
		_, werr := exportFile.WriteString(fmt.Sprintf("%d", pin))
		exportFile.Close()
		if werr != nil {
			return nil, fmt.Errorf("driver: export gpio %d: %w", pin, werr)
		}
	}

	if err := os.WriteFile(base+"/direction", []byte("in"), 0644); err != nil {
		return nil, fmt.Errorf("driver: set gpio %d direction: %w", pin, err)
	}
	if err := os.WriteFile(base+"/edge", []byte("rising"), 0644); err != nil {
		return nil, fmt.Errorf("driver: set gpio %d edge: %w", pin, err)
	}

	f, err := os.OpenFile(base+"/value", os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("driver: open gpio %d value: %w", pin, err)
	}
	return f, nil
}

func (d *SPIDriver) Read(p []byte) (int, error)  { return d.spi.Read(p) }
func (d *SPIDriver) Write(p []byte) (int, error) { return d.spi.Write(p) }

// Fd returns the GPIO IRQ value file's fd, the edge-triggered readiness
// signal the EventLoop should register instead of the spidev fd.
func (d *SPIDriver) Fd() int { return int(d.irq.Fd()) }

func (d *SPIDriver) Close() error {
	irqErr := d.irq.Close()
	spiErr := d.spi.Close()
	if spiErr != nil {
		return spiErr
	}
	return irqErr
}
