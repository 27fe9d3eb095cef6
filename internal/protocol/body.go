package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/rs/zerolog"
)

// messageBody is the carved-out body region of a download or upload
// message. view either aliases the original input (uncompressed path, zero
// copy) or aliases owned, a freshly inflated buffer. owned is nil on the
// uncompressed path.
type messageBody struct {
	view      []byte
	remaining []byte
	owned     []byte
}

func parseMessageBody(buf []byte, compressedSize, uncompressedSize uint64, isCompressed bool, logger zerolog.Logger) (*messageBody, error) {
	var ret messageBody
	if isCompressed {
		if uint64(len(buf)) < compressedSize {
			logger.Error().
				Uint64("compressed_size", compressedSize).
				Int("available", len(buf)).
				Msg("compressed message body is bigger than available bytes")
			return nil, parseErrorf("body", "compressed body is %d bytes but only %d remain", compressedSize, len(buf))
		}

		owned := make([]byte, uncompressedSize)
		if err := inflate(buf[:compressedSize], owned); err != nil {
			logger.Error().Err(err).
				Uint64("uncompressed_size", uncompressedSize).
				Msg("error decompressing message body")
			return nil, &DecompressError{DeclaredSize: uncompressedSize, Err: err}
		}

		ret.owned = owned
		ret.view = owned
		ret.remaining = buf[compressedSize:]
	} else {
		if uint64(len(buf)) < uncompressedSize {
			logger.Error().
				Uint64("uncompressed_size", uncompressedSize).
				Int("available", len(buf)).
				Msg("message body is bigger than available bytes")
			return nil, parseErrorf("body", "body is %d bytes but only %d remain", uncompressedSize, len(buf))
		}
		ret.view = buf[:uncompressedSize]
		ret.remaining = buf[uncompressedSize:]
	}

	return &ret, nil
}

// inflate decompresses src into dst and requires the inflated stream to
// fill dst exactly.
func inflate(src, dst []byte) error {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return err
	}
	defer r.Close()

	if _, err := io.ReadFull(r, dst); err != nil {
		return fmt.Errorf("inflated stream shorter than declared: %w", err)
	}
	var extra [1]byte
	if n, err := r.Read(extra[:]); n != 0 || !errors.Is(err, io.EOF) {
		return fmt.Errorf("inflated stream longer than declared %d bytes", len(dst))
	}
	return nil
}
