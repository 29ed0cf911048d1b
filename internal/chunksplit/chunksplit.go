// Package chunksplit implements the chunk splitter (spec §4.2): it turns
// a payload into an ordered slice of non-empty pieces whose
// concatenation reproduces the payload exactly. Split builds the whole
// slice before returning; pieces are not produced lazily. Binary mode
// delegates to the fixed-size splitter the teacher already wires from
// github.com/ipfs/boxo/chunker; plain-text mode instead prefers line
// boundaries so diffs between revisions of a note stay small.
package chunksplit

import (
	"bufio"
	"bytes"
	"io"

	chunker "github.com/ipfs/boxo/chunker"
)

// Policy carries the sizing knobs spec §4.2 derives the effective piece
// size from.
type Policy struct {
	MaxDocSizeBin   int  // MAX_DOC_SIZE_BIN
	MaxDocSize      int  // MAX_DOC_SIZE, used for plain-text mode; 0 keeps the binary size
	MaxChunkSize    int  // ceiling for minimumChunkSize
	CustomChunkSize int  // customChunkSize multiplier, >=1
	PlainText       bool // id qualifies for plain-text splitting
	SaveAsBigChunk  bool
}

// EffectivePieceSize computes the piece size spec §4.2 describes, given
// a payload length.
func (p Policy) EffectivePieceSize(payloadLen int) int {
	custom := p.CustomChunkSize
	if custom <= 0 {
		custom = 1
	}
	minChunk := minimumChunkSize(payloadLen, p.MaxChunkSize)

	size := p.MaxDocSizeBin * custom
	if size < minChunk {
		size = minChunk
	}

	if p.PlainText && !p.SaveAsBigChunk && p.MaxDocSize > 0 {
		size = p.MaxDocSize
	}
	return size
}

func minimumChunkSize(payloadLen, maxChunkSize int) int {
	v := payloadLen / 100
	if v < 40 {
		v = 40
	}
	if maxChunkSize > 0 && v > maxChunkSize {
		v = maxChunkSize
	}
	return v
}

// Split splits payload according to policy, returning pieces in order.
// It never fails; an empty payload yields a nil slice.
func Split(payload []byte, policy Policy) [][]byte {
	if len(payload) == 0 {
		return nil
	}

	size := policy.EffectivePieceSize(len(payload))
	if size <= 0 {
		size = len(payload)
	}

	if policy.PlainText {
		return splitText(payload, size)
	}
	return splitBinary(payload, size)
}

// splitBinary uses boxo/chunker's fixed-size splitter, the same
// chunker.NewSizeSplitter call the teacher's internal/chunker wraps,
// seeded with the effective piece size spec §4.2 computed.
func splitBinary(payload []byte, size int) [][]byte {
	bz := chunker.NewSizeSplitter(bytes.NewReader(payload), int64(size))

	var pieces [][]byte
	for {
		chunk, err := bz.NextBytes()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		if len(chunk) == 0 {
			continue
		}
		pieces = append(pieces, chunk)
	}
	return pieces
}

// splitText accumulates lines up to size, only crossing the boundary
// mid-line when a single line already exceeds size.
func splitText(payload []byte, size int) [][]byte {
	var pieces [][]byte
	var cur bytes.Buffer

	flush := func() {
		if cur.Len() > 0 {
			pieces = append(pieces, append([]byte(nil), cur.Bytes()...))
			cur.Reset()
		}
	}

	scanner := bufio.NewScanner(bytes.NewReader(payload))
	scanner.Buffer(make([]byte, 0, 64*1024), size*4+64*1024)
	scanner.Split(scanLinesKeepNewline)

	for scanner.Scan() {
		line := scanner.Bytes()
		for len(line) > size {
			if cur.Len() > 0 {
				flush()
			}
			pieces = append(pieces, append([]byte(nil), line[:size]...))
			line = line[size:]
		}
		if cur.Len() > 0 && cur.Len()+len(line) > size {
			flush()
		}
		cur.Write(line)
		if cur.Len() >= size {
			flush()
		}
	}
	flush()
	return pieces
}

// scanLinesKeepNewline is bufio.ScanLines but keeps the trailing "\n" on
// each token so concatenation of pieces reproduces the input exactly.
func scanLinesKeepNewline(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, data[0 : i+1], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
