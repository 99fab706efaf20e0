package audio

import "encoding/binary"

const wavHeaderSize = 44

// EncodeWAV wraps raw PCM in a canonical RIFF/WAV container. The result is
// suitable both for multipart uploads and for writing archive files.
func EncodeWAV(pcm []byte, f Format) []byte {
	const bits = BytesPerSample * 8
	byteRate := f.BytesPerSecond()
	blockAlign := f.Channels * BytesPerSample
	size := len(pcm)

	buf := make([]byte, wavHeaderSize+size)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+size))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bits)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(size))
	copy(buf[wavHeaderSize:], pcm)

	return buf
}
