package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LEFile writes raw PCM16LE mono audio bytes as a WAV file.
func WriteWAVPCM16LEFile(path string, pcm []byte, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return WriteWAVPCM16LETo(f, pcm, sampleRate)
}

// WriteWAVPCM16LETo writes raw PCM16LE mono audio bytes to out as a WAV stream.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	const (
		numChannels   = 1
		bitsPerSample = 16
		audioFormat   = 1 // PCM
	)
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	dataSize := uint32(len(pcm))
	byteRate := uint32(sampleRate * numChannels * bitsPerSample / 8)
	blockAlign := uint16(numChannels * bitsPerSample / 8)

	w := bufio.NewWriter(out)

	// RIFF header.
	if _, err := w.WriteString("RIFF"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(36)+dataSize); err != nil {
		return err
	}
	if _, err := w.WriteString("WAVE"); err != nil {
		return err
	}

	// fmt chunk.
	if _, err := w.WriteString("fmt "); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(16)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(audioFormat)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(numChannels)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(sampleRate)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, byteRate); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, blockAlign); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(bitsPerSample)); err != nil {
		return err
	}

	// data chunk.
	if _, err := w.WriteString("data"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, dataSize); err != nil {
		return err
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

var ErrNotWAV = errors.New("not a PCM16LE mono WAV stream")

// DecodeWAVPCM16LE extracts raw PCM16LE mono audio bytes and the sample
// rate from a WAV container. Only uncompressed 16-bit mono is accepted.
func DecodeWAVPCM16LE(data []byte) ([]byte, int, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, ErrNotWAV
	}

	var (
		sampleRate int
		fmtSeen    bool
		pcm        []byte
	)
	off := 12
	for off+8 <= len(data) {
		chunkID := string(data[off : off+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if chunkSize < 0 || body+chunkSize > len(data) {
			return nil, 0, fmt.Errorf("wav chunk %q truncated", chunkID)
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return nil, 0, ErrNotWAV
			}
			audioFormat := binary.LittleEndian.Uint16(data[body : body+2])
			numChannels := binary.LittleEndian.Uint16(data[body+2 : body+4])
			bitsPerSample := binary.LittleEndian.Uint16(data[body+14 : body+16])
			if audioFormat != 1 || numChannels != 1 || bitsPerSample != 16 {
				return nil, 0, ErrNotWAV
			}
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			fmtSeen = true
		case "data":
			pcm = data[body : body+chunkSize]
		}

		off = body + chunkSize
		if chunkSize%2 == 1 {
			off++ // chunks are word-aligned
		}
	}

	if !fmtSeen || pcm == nil {
		return nil, 0, ErrNotWAV
	}
	if sampleRate <= 0 {
		return nil, 0, ErrNotWAV
	}
	return pcm, sampleRate, nil
}

// ReadWAVPCM16LEFile reads a WAV file and returns its PCM payload and
// sample rate.
func ReadWAVPCM16LEFile(path string) ([]byte, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	return DecodeWAVPCM16LE(data)
}
