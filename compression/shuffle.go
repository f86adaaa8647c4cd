package compression

// The ZIP and ZSTD codecs precondition chunks before entropy coding: bytes
// are regrouped into planes by their offset within a sample, then replaced
// by the difference from the previous byte. Neighboring pixels of natural
// images differ little, so both planes and deltas are mostly small values.
//
//	Samples: [A0 A1 B0 B1 C0 C1]
//	Planes:  [A0 B0 C0 A1 B1 C1]
//	Deltas:  [A0 B0-A0 C0-B0 A1-C0 B1-A1 C1-B1]

// shuffle returns the planed and delta-encoded form of src. stride is the
// sample size in bytes; values below 2 skip the plane split.
func shuffle(src []byte, stride int) []byte {
	out := make([]byte, len(src))
	if stride < 2 || len(src)%stride != 0 {
		copy(out, src)
	} else {
		n := len(src) / stride
		for off := 0; off < stride; off++ {
			plane := out[off*n : (off+1)*n]
			for i := range plane {
				plane[i] = src[i*stride+off]
			}
		}
	}
	for i := len(out) - 1; i > 0; i-- {
		out[i] -= out[i-1]
	}
	return out
}

// unshuffle reverses shuffle in place and returns the restored samples.
func unshuffle(data []byte, stride int) []byte {
	for i := 1; i < len(data); i++ {
		data[i] += data[i-1]
	}
	if stride < 2 || len(data)%stride != 0 {
		return data
	}
	out := make([]byte, len(data))
	n := len(data) / stride
	for off := 0; off < stride; off++ {
		plane := data[off*n : (off+1)*n]
		for i, b := range plane {
			out[i*stride+off] = b
		}
	}
	return out
}
