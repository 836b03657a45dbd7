package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func artifactPath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("chunk_%06d.wav", index))
}

// SaveArtifact stores the mono 16-bit PCM of one completed chunk. The file
// is written under a temporary name and renamed into place.
func (s *Store) SaveArtifact(dir string, index int, pcm []byte, sampleRate int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("chunk %d: pcm payload not aligned", index)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "chunk_*.wav.tmp")
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := writePCMToWav(tmp, pcm, sampleRate); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmpName, artifactPath(dir, index)); err != nil {
		return fmt.Errorf("commit artifact: %w", err)
	}
	return nil
}

// LoadArtifact returns the stored PCM of a chunk. found is false when the
// artifact does not exist.
func (s *Store) LoadArtifact(dir string, index int) (pcm []byte, found bool, err error) {
	f, err := os.Open(artifactPath(dir, index))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, false, fmt.Errorf("chunk %d: invalid wav artifact", index)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, false, fmt.Errorf("chunk %d: read wav: %w", index, err)
	}
	out := make([]byte, len(buf.Data)*2)
	for i, sample := range buf.Data {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(sample)))
	}
	return out, true, nil
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate int) error {
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		SourceBitDepth: 16,
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
