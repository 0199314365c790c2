package framer

import "github.com/sigurn/crc16"

// crcParams pins down CRC-16/XMODEM: the CCITT poly 0x1021, init 0x0000, no
// input or output reflection, no final xor. Frames exchanged with the
// secondary must use exactly this variant.
var crcParams = crc16.Params{
	Poly: 0x1021, Init: 0x0000, RefIn: false, RefOut: false, XorOut: 0x0000,
	Check: 0x31c3, Name: "CRC-16/XMODEM",
}

var crcTable = crc16.MakeTable(crcParams)

// crc16ccitt computes CRC-16/XMODEM over data.
func crc16ccitt(data []byte) uint16 {
	return crc16.Checksum(data, crcTable)
}
