package driver

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// UARTDriver reads and writes CPC frame bytes over a UART character device
// configured into raw mode at a fixed baud rate.
type UARTDriver struct {
	file *os.File
}

// OpenUART opens cfg.Device and configures its line discipline (baud,
// 8N1, optional hardware flow control) via termios ioctls, matching
// original_source/misc/config.h's uart_baudrate/uart_hardflow fields.
func OpenUART(cfg UARTConfig) (*UARTDriver, error) {
	f, err := os.OpenFile(cfg.Device, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("driver: open uart device %s: %w", cfg.Device, err)
	}

	if err := configureUART(int(f.Fd()), cfg); err != nil {
		f.Close()
		return nil, err
	}

	return &UARTDriver{file: f}, nil
}

func configureUART(fd int, cfg UARTConfig) error {
	baud, err := baudRateConstant(cfg.BaudRate)
	if err != nil {
		return err
	}

	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("driver: get termios: %w", err)
	}

	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	if cfg.HardwareFlow {
		t.Cflag |= unix.CRTSCTS
	} else {
		t.Cflag &^= unix.CRTSCTS
	}
	t.Ispeed = baud
	t.Ospeed = baud
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return fmt.Errorf("driver: set termios: %w", err)
	}
	return nil
}

func (d *UARTDriver) Read(p []byte) (int, error)  { return d.file.Read(p) }
func (d *UARTDriver) Write(p []byte) (int, error) { return d.file.Write(p) }
func (d *UARTDriver) Fd() int                     { return int(d.file.Fd()) }
func (d *UARTDriver) Close() error                { return d.file.Close() }
