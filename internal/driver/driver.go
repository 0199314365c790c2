// Package driver provides byte-oriented read/write access to the physical
// link carrying CPC frames, over either a UART character device or an SPI
// spidev device with a GPIO interrupt line.
package driver

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// Driver is the byte-oriented transport Core's FrameSink implementation
// writes encoded frames to and the EventLoop reads decoded bytes from. Both
// UARTDriver and SPIDriver satisfy it; Framer is transport-agnostic.
type Driver interface {
	io.ReadWriter
	// Fd returns the file descriptor the EventLoop should register for
	// read-readiness.
	Fd() int
	Close() error
}

// Type identifies which physical bus a Driver speaks.
type Type string

const (
	TypeUART Type = "uart"
	TypeSPI  Type = "spi"
)

// UARTConfig configures a UARTDriver, mirroring the original daemon's
// uart_baudrate/uart_hardflow/uart_file config fields.
type UARTConfig struct {
	Device       string
	BaudRate     int
	HardwareFlow bool
}

// SPIConfig configures an SPIDriver, mirroring the original's spi_file/
// spi_bitrate/spi_mode/spi_irq_chip/spi_irq_pin config fields.
type SPIConfig struct {
	Device  string
	SpeedHz int
	Mode    int
	IRQChip string
	IRQPin  int
}

// baudRateConstants maps requested bit rates to the termios B* constants
// golang.org/x/sys/unix exposes. Unsupported rates fail Open with a clear
// error rather than silently rounding to the nearest supported rate.
var baudRateConstants = map[int]uint32{
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	921600:  unix.B921600,
	1000000: unix.B1000000,
	1500000: unix.B1500000,
}

func baudRateConstant(rate int) (uint32, error) {
	c, ok := baudRateConstants[rate]
	if !ok {
		return 0, fmt.Errorf("driver: unsupported uart baud rate %d", rate)
	}
	return c, nil
}

// Open selects and opens the configured bus, returning a Driver ready for
// the EventLoop to register.
func Open(busType Type, uart UARTConfig, spi SPIConfig) (Driver, error) {
	switch busType {
	case TypeUART:
		return OpenUART(uart)
	case TypeSPI:
		return OpenSPI(spi)
	default:
		return nil, fmt.Errorf("driver: unknown bus type %q", busType)
	}
}
