package audio

import "encoding/binary"

// FloatToPCM16 converts one float sample to a signed 16-bit value.
//
// The sample is clamped to [-1, 1]. Negative values scale by 32768 and
// non-negative values by 32767, truncating toward zero, so -1.0 maps to
// -32768 and 1.0 maps to 32767 without overflow.
func FloatToPCM16(s float32) int16 {
	if s != s { // NaN
		return 0
	}
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(s * 32768)
	}
	return int16(s * 32767)
}

// PCM16ToFloat is the inverse of [FloatToPCM16] up to one quantisation step.
func PCM16ToFloat(v int16) float32 {
	if v < 0 {
		return float32(v) / 32768
	}
	return float32(v) / 32767
}

// EncodeFloat32 converts a block of float samples to little-endian PCM16 bytes.
func EncodeFloat32(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(FloatToPCM16(s)))
	}
	return out
}

// Int16sToBytes converts PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*BytesPerSample)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to PCM samples. A trailing odd
// byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/BytesPerSample)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
