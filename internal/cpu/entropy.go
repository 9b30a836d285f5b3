package cpu

// entropySourceFns is the xor chain used to seed ASLR. Declared as a
// variable, not a literal loop body, so a test can substitute fakes the same
// way the teacher's pdt_test.go substitutes mapFn/switchPDTFn.
var entropySourceFns = [3]func() [32]byte{rdRandEntropy, tscEntropy, pitEntropy}

// BuildEntropy gathers entropy from RDRAND, RDTSC, and the PIT counter and
// xors them into a single 32-byte seed. Any one source being weak, absent,
// or unsupported on the running CPU is tolerated — the other sources still
// contribute.
func BuildEntropy() [32]byte {
	var seed [32]byte
	for _, source := range entropySourceFns {
		entropy := source()
		for i := range seed {
			seed[i] ^= entropy[i]
		}
	}
	return seed
}

// rdRandEntropy fills a 32-byte buffer with four RDRAND reads. Bytes stay
// zero for any read that fails after the retry budget implemented in
// cpu_amd64.s, or if the CPU has no RDRAND support at all.
func rdRandEntropy() [32]byte {
	var entropy [32]byte
	if !SupportsRDRAND() {
		return entropy
	}

	for i := 0; i < 4; i++ {
		value, ok := RDRAND()
		if !ok {
			continue
		}
		putUint64(entropy[i*8:(i+1)*8], value)
	}

	return entropy
}

// tscEntropy fills a 32-byte buffer by sampling RDTSC four times in a row.
// This is weak entropy (the counter advances predictably), but it is always
// available when the CPU reports TSC support.
func tscEntropy() [32]byte {
	var entropy [32]byte
	if !SupportsTSC() {
		return entropy
	}

	for i := 0; i < 4; i++ {
		putUint64(entropy[i*8:(i+1)*8], RDTSC())
	}

	return entropy
}

// pitEntropy fills a 32-byte buffer by reading the current counter value of
// PIT channels 0-2 (ports 0x40-0x42) in rotation. Always available; weak but free.
func pitEntropy() [32]byte {
	var entropy [32]byte
	for i := range entropy {
		channel := uint16(i % 3)
		entropy[i] = INB(0x40 + channel)
	}
	return entropy
}

func putUint64(b []byte, v uint64) {
	_ = b[7]
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
}
