// CRC-32 routine used for download block verification.
package crc

import "hash/crc32"

// CRC32 is a running CRC-32 (IEEE polynomial) checksum.
type CRC32 uint32

// Block updates the checksum with a block of data.
func (c *CRC32) Block(data []byte) {
	*c = CRC32(crc32.Update(uint32(*c), crc32.IEEETable, data))
}

// Checksum returns the CRC-32 of data in a single call.
func Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}
