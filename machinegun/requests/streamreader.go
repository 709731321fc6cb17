package requests

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/PeladoCollado/machinegun/types"
)

// StreamReader is an instance of RequestSource that iterates over a stream of
// JSON request specs, starting over when the stream is exhausted.
type StreamReader struct {
	decoder *json.Decoder
	r       io.Reader

	readSinceReset int
}

func NewFileReader(file string) (*StreamReader, error) {
	fh, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("open request file: %w", err)
	}
	return NewStreamReader(fh), nil
}

func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{
		decoder: json.NewDecoder(r),
		r:       r,
	}
}

func (s *StreamReader) Next() (types.RequestSpec, error) {
	for {
		next := types.RequestSpec{}
		err := s.decoder.Decode(&next)
		if errors.Is(err, io.EOF) {
			if s.readSinceReset == 0 {
				return types.RequestSpec{}, fmt.Errorf("request stream contains no requests")
			}
			if resetErr := s.Reset(); resetErr != nil {
				return types.RequestSpec{}, resetErr
			}
			continue
		}
		if err != nil {
			return types.RequestSpec{}, fmt.Errorf("decode request spec: %w", err)
		}
		s.readSinceReset++
		return next, nil
	}
}

func (s *StreamReader) Reset() error {
	seeker, ok := s.r.(io.Seeker)
	if !ok {
		return io.EOF
	}
	if _, err := seeker.Seek(0, io.SeekStart); err != nil {
		return err
	}
	s.decoder = json.NewDecoder(s.r)
	s.readSinceReset = 0
	return nil
}

func (s *StreamReader) Close() error {
	if closer, ok := s.r.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
