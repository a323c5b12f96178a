package audio

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"
)

func TestWAVRoundTrip(t *testing.T) {
	pcm := []byte{
		0x00, 0x00,
		0xE8, 0x03, // 1000
		0x18, 0xFC, // -1000
	}
	wav, err := EncodeWAV(pcm, 16000)
	if err != nil {
		t.Fatalf("EncodeWAV() error = %v", err)
	}
	if len(wav) != 44+len(pcm) {
		t.Fatalf("len(wav) = %d, want %d", len(wav), 44+len(pcm))
	}
	got, rate, err := DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV() error = %v", err)
	}
	if rate != 16000 {
		t.Fatalf("rate = %d, want 16000", rate)
	}
	if !bytes.Equal(got, pcm) {
		t.Fatalf("pcm mismatch: got=%v want=%v", got, pcm)
	}
}

func TestDecodeWAVDownmixesStereo(t *testing.T) {
	// Frame 1: L=1000, R=-1000 => 0
	// Frame 2: L=3000, R=1000  => 2000
	stereo := []byte{
		0xE8, 0x03, 0x18, 0xFC,
		0xB8, 0x0B, 0xE8, 0x03,
	}
	var b bytes.Buffer
	h := wavHeader{
		RIFF: [4]byte{'R', 'I', 'F', 'F'}, Size: 36 + uint32(len(stereo)),
		WAVE: [4]byte{'W', 'A', 'V', 'E'}, Fmt: [4]byte{'f', 'm', 't', ' '},
		FmtSize: 16, AudioFormat: 1, Channels: 2, SampleRate: 24000,
		ByteRate: 24000 * 4, BlockAlign: 4, BitsPerSample: 16,
		Data: [4]byte{'d', 'a', 't', 'a'}, DataSize: uint32(len(stereo)),
	}
	_ = binary.Write(&b, binary.LittleEndian, h)
	b.Write(stereo)

	got, rate, err := DecodeWAV(b.Bytes())
	if err != nil {
		t.Fatalf("DecodeWAV() error = %v", err)
	}
	if rate != 24000 || len(got) != 4 {
		t.Fatalf("rate = %d len = %d, want 24000 and 4", rate, len(got))
	}
	s1 := int16(binary.LittleEndian.Uint16(got[0:2]))
	s2 := int16(binary.LittleEndian.Uint16(got[2:4]))
	if s1 != 0 || s2 != 2000 {
		t.Fatalf("downmix = [%d %d], want [0 2000]", s1, s2)
	}
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	if _, _, err := DecodeWAV([]byte("definitely not a wav file")); err == nil {
		t.Fatalf("DecodeWAV() error = nil, want error")
	}
}

func TestResampleDoublesLength(t *testing.T) {
	pcm := Silence(100*time.Millisecond, 12000)
	out := Resample(pcm, 12000, RealtimeSampleRate)
	if got := Duration(out, RealtimeSampleRate); got != 100*time.Millisecond {
		t.Fatalf("Duration = %s, want 100ms", got)
	}
}

func TestChunksCoverInput(t *testing.T) {
	pcm := Silence(95*time.Millisecond, RealtimeSampleRate)
	chunks := Chunks(pcm, RealtimeSampleRate, 20*time.Millisecond)
	if len(chunks) != 5 {
		t.Fatalf("len(chunks) = %d, want 5", len(chunks))
	}
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	if total != len(pcm) {
		t.Fatalf("total = %d, want %d", total, len(pcm))
	}
	if len(chunks[0]) != 960 {
		t.Fatalf("len(chunks[0]) = %d, want 960", len(chunks[0]))
	}
}
