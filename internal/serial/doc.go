// Package serial implements the fixed-width serial payload format.
//
// A serial is 17 bytes:
//
//	byte  0      max usage count (0 = unlimited)
//	bytes 1-3    reserved, zero on encode
//	bytes 4-6    expiration: year-2000, month, day
//	             FF FF FF = never expires, 00 00 00 = no date
//	bytes 7-8    client number, big endian
//	bytes 9-15   reserved, zero on encode
//	byte  16     checksum, XOR of bytes 0-15
//
// The checksum is structural only and detects single-bit corruption.
// Authenticity comes from the signatures produced by package security.
//
// Serials are shown to users as 28 base32 symbols in groups of four.
package serial
