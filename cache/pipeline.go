package cache

import "fmt"

// Process transforms a chunk's raw fetched bytes into verified,
// uncompressed bytes. Steps are strictly ordered: decompress first (when
// the stored form is compressed), then digest-verify the result. Raw bytes
// cross the trust boundary from the backend; nothing is marked ready
// without passing both steps.
func Process(raw []byte, desc *ChunkDescriptor) ([]byte, error) {
	data := raw
	if desc.Compressed {
		var err error
		data, err = decompress(raw, desc.Compression, desc.UncompressedSize)
		if err != nil {
			return nil, err
		}
	} else if uint32(len(data)) != desc.UncompressedSize {
		return nil, fmt.Errorf("%w: chunk %d is %d bytes, want %d",
			ErrDecode, desc.Index, len(data), desc.UncompressedSize)
	}

	if actual := desc.Digest.Algorithm().FromBytes(data); actual != desc.Digest {
		return nil, fmt.Errorf("%w: chunk %d: got %s, want %s",
			ErrDigestMismatch, desc.Index, actual, desc.Digest)
	}
	return data, nil
}
