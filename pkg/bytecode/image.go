package bytecode

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// zstdMagic starts every zstd frame.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// ReadImage reads a .gosb image, which is either a raw encoding or a zstd
// frame holding one. It returns the raw encoding, which is what gets
// uploaded, along with the decoded program.
func ReadImage(r io.Reader) ([]byte, *Bytecode, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("read image: %w", err)
	}
	if bytes.HasPrefix(data, zstdMagic) {
		if data, err = decompressZstd(data); err != nil {
			return nil, nil, fmt.Errorf("decompress image: %w", err)
		}
	}
	bc, err := Decode(data)
	if err != nil {
		return nil, nil, err
	}
	return data, bc, nil
}

// ReadImageFile reads an image from disk.
func ReadImageFile(path string) ([]byte, *Bytecode, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	return ReadImage(f)
}

// WriteImage writes bc as an image, optionally zstd compressed.
func WriteImage(w io.Writer, bc *Bytecode, compress bool) error {
	data, err := Encode(bc)
	if err != nil {
		return err
	}
	if compress {
		if data, err = compressZstd(data); err != nil {
			return fmt.Errorf("compress image: %w", err)
		}
	}
	_, err = w.Write(data)
	return err
}

// WriteImageFile writes bc to path.
func WriteImageFile(path string, bc *Bytecode, compress bool) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteImage(f, bc, compress); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func compressZstd(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer encoder.Close()
	return encoder.EncodeAll(data, nil), nil
}

func decompressZstd(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()
	return decoder.DecodeAll(data, nil)
}
