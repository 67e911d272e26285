package framer

import "strconv"

// validateChunkWalk walks a chunked-encoded body from its first byte and
// reports whether it is exactly one well-formed chunk sequence ending in the
// zero-length terminator chunk ("0\r\n\r\n") with nothing left over.
//
// This validation always runs after the cheap tail-marker check
// ("...0\r\n\r\n" at the very end of the buffer) has already passed. A
// pathological body that ends in those five bytes by coincidence but is
// malformed earlier is therefore still caught here — this call, not the
// tail check alone, is what ExtractFirstResponse relies on for chunked
// completion.
func validateChunkWalk(body []byte) bool {
	i := 0
	for {
		lineEnd := indexCRLF(body, i)
		if lineEnd < 0 {
			return false
		}
		sizeField := body[i:lineEnd]
		if semi := indexByte(sizeField, ';'); semi >= 0 {
			sizeField = sizeField[:semi]
		}
		size, err := strconv.ParseInt(string(sizeField), 16, 64)
		if err != nil || size < 0 {
			return false
		}

		chunkStart := lineEnd + 2
		if size == 0 {
			// Terminator chunk: "0\r\n" must be immediately followed by the
			// final CRLF and nothing else.
			return chunkStart+2 == len(body) && body[chunkStart] == '\r' && body[chunkStart+1] == '\n'
		}

		chunkEnd := chunkStart + int(size)
		if chunkEnd+2 > len(body) {
			return false
		}
		if body[chunkEnd] != '\r' || body[chunkEnd+1] != '\n' {
			return false
		}

		i = chunkEnd + 2
	}
}

func indexCRLF(b []byte, from int) int {
	for j := from; j+1 < len(b); j++ {
		if b[j] == '\r' && b[j+1] == '\n' {
			return j
		}
	}
	return -1
}

func indexByte(b []byte, c byte) int {
	for j := range b {
		if b[j] == c {
			return j
		}
	}
	return -1
}
