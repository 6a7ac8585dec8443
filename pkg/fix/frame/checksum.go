package frame

// Checksum returns the FIX checksum of data: the sum of all bytes modulo 256.
func Checksum(data []byte) byte {
	var sum uint32
	for _, b := range data {
		sum += uint32(b)
	}
	return byte(sum % 256)
}

// FormatChecksum renders a checksum as the three-digit zero-padded decimal
// required by tag 10.
func FormatChecksum(sum byte) [3]byte {
	return [3]byte{
		'0' + sum/100,
		'0' + (sum/10)%10,
		'0' + sum%10,
	}
}

// ParseChecksum parses a three-digit checksum value. The second return is
// false when the bytes are not exactly three ASCII digits.
func ParseChecksum(b []byte) (byte, bool) {
	if len(b) != 3 {
		return 0, false
	}
	var sum int
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		sum = sum*10 + int(c-'0')
	}
	if sum > 255 {
		return 0, false
	}
	return byte(sum), true
}
