package audio

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	wav, err := EncodeWAVPCM16LE(pcm, 16000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}

	got, rate, err := DecodeWAVPCM16LE(wav)
	if err != nil {
		t.Fatalf("DecodeWAVPCM16LE() error = %v", err)
	}
	if rate != 16000 {
		t.Fatalf("sample rate = %d, want 16000", rate)
	}
	if !bytes.Equal(got, pcm) {
		t.Fatalf("pcm = %v, want %v", got, pcm)
	}
}

func TestDecodeRejectsNonWAV(t *testing.T) {
	if _, _, err := DecodeWAVPCM16LE([]byte("definitely not audio")); !errors.Is(err, ErrNotWAV) {
		t.Fatalf("error = %v, want ErrNotWAV", err)
	}
	if _, _, err := DecodeWAVPCM16LE(nil); !errors.Is(err, ErrNotWAV) {
		t.Fatalf("error for nil input = %v, want ErrNotWAV", err)
	}
}

func TestDecodeRejectsStereo(t *testing.T) {
	wav, err := EncodeWAVPCM16LE([]byte{0, 0, 0, 0}, 16000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	// fmt chunk channel count lives at offset 22.
	wav[22] = 2
	if _, _, err := DecodeWAVPCM16LE(wav); !errors.Is(err, ErrNotWAV) {
		t.Fatalf("error = %v, want ErrNotWAV for stereo input", err)
	}
}

func TestDecodeTruncatedChunk(t *testing.T) {
	wav, err := EncodeWAVPCM16LE(make([]byte, 64), 16000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	if _, _, err := DecodeWAVPCM16LE(wav[:len(wav)-10]); err == nil {
		t.Fatalf("expected error for truncated data chunk")
	}
}

func TestWriteWAVPCM16LEFile(t *testing.T) {
	path := t.TempDir() + "/out.wav"
	pcm := []byte{0x10, 0x20, 0x30, 0x40}
	if err := WriteWAVPCM16LEFile(path, pcm, 24000); err != nil {
		t.Fatalf("WriteWAVPCM16LEFile() error = %v", err)
	}

	got, rate, err := ReadWAVPCM16LEFile(path)
	if err != nil {
		t.Fatalf("ReadWAVPCM16LEFile() error = %v", err)
	}
	if rate != 24000 {
		t.Fatalf("sample rate = %d, want 24000", rate)
	}
	if !bytes.Equal(got, pcm) {
		t.Fatalf("pcm = %v, want %v", got, pcm)
	}
}
