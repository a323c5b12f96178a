// Package audio holds PCM16 helpers used by the realtime probe: WAV
// framing, resampling to the realtime wire rate and chunking for paced
// streaming.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// RealtimeSampleRate is the rate of pcm16 audio on the realtime wire.
const RealtimeSampleRate = 24000

type wavHeader struct {
	RIFF          [4]byte
	Size          uint32
	WAVE          [4]byte
	Fmt           [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Data          [4]byte
	DataSize      uint32
}

// WriteWAV writes mono PCM16LE samples to out as a WAV stream.
func WriteWAV(out io.Writer, pcm []byte, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = RealtimeSampleRate
	}
	h := wavHeader{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		Size:          36 + uint32(len(pcm)),
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   1,
		Channels:      1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * 2),
		BlockAlign:    2,
		BitsPerSample: 16,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      uint32(len(pcm)),
	}
	if err := binary.Write(out, binary.LittleEndian, h); err != nil {
		return err
	}
	_, err := out.Write(pcm)
	return err
}

func EncodeWAV(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAV(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeWAV returns the mono PCM16LE samples of a 16-bit PCM WAV file.
// Multi-channel audio is downmixed by averaging.
func DecodeWAV(data []byte) ([]byte, int, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, errors.New("not a RIFF/WAVE stream")
	}

	var (
		format, channels, bits uint16
		sampleRate             int
		haveFmt                bool
		samples                []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(data) {
			return nil, 0, fmt.Errorf("chunk %q overruns the stream", id)
		}
		body := data[off : off+size]
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, errors.New("short fmt chunk")
			}
			format = binary.LittleEndian.Uint16(body[0:2])
			channels = binary.LittleEndian.Uint16(body[2:4])
			sampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			bits = binary.LittleEndian.Uint16(body[14:16])
			haveFmt = true
		case "data":
			samples = body
		}
		off += size + size%2
	}

	switch {
	case !haveFmt:
		return nil, 0, errors.New("fmt chunk missing")
	case len(samples) == 0:
		return nil, 0, errors.New("data chunk missing")
	case format != 1:
		return nil, 0, fmt.Errorf("unsupported audio format %d", format)
	case bits != 16:
		return nil, 0, fmt.Errorf("unsupported bits per sample %d", bits)
	case channels == 0:
		return nil, 0, errors.New("zero channels")
	}
	if sampleRate <= 0 {
		sampleRate = RealtimeSampleRate
	}
	return downmix(samples, int(channels)), sampleRate, nil
}

func downmix(samples []byte, channels int) []byte {
	if channels == 1 {
		return append([]byte(nil), samples[:len(samples)&^1]...)
	}
	frame := channels * 2
	frames := len(samples) / frame
	mono := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		sum := 0
		for ch := 0; ch < channels; ch++ {
			at := i*frame + ch*2
			sum += int(int16(binary.LittleEndian.Uint16(samples[at : at+2])))
		}
		binary.LittleEndian.PutUint16(mono[i*2:], uint16(int16(sum/channels)))
	}
	return mono
}

// Resample converts mono PCM16LE between sample rates with linear
// interpolation.
func Resample(pcm []byte, from, to int) []byte {
	if from == to || from <= 0 || to <= 0 || len(pcm) < 2 {
		return append([]byte(nil), pcm...)
	}
	in := len(pcm) / 2
	n := int(int64(in) * int64(to) / int64(from))
	out := make([]byte, n*2)
	sample := func(i int) float64 {
		if i >= in {
			i = in - 1
		}
		return float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	for i := 0; i < n; i++ {
		pos := float64(i) * float64(from) / float64(to)
		lo := int(pos)
		frac := pos - float64(lo)
		v := sample(lo)*(1-frac) + sample(lo+1)*frac
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// Silence returns d of zeroed PCM16 samples at sampleRate.
func Silence(d time.Duration, sampleRate int) []byte {
	n := int(d * time.Duration(sampleRate) / time.Second)
	return make([]byte, n*2)
}

// Chunks splits pcm into frames of d each. The last frame may be shorter.
func Chunks(pcm []byte, sampleRate int, d time.Duration) [][]byte {
	size := int(d*time.Duration(sampleRate)/time.Second) * 2
	if size < 2 {
		size = 2
	}
	var out [][]byte
	for off := 0; off < len(pcm); off += size {
		end := min(off+size, len(pcm))
		out = append(out, pcm[off:end])
	}
	return out
}

// Duration is the playback length of mono PCM16 at sampleRate.
func Duration(pcm []byte, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(len(pcm)/2) * time.Second / time.Duration(sampleRate)
}
