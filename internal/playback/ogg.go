package playback

import (
	"bufio"
	"errors"
	"io"
)

var ErrNotOpus = errors.New("stream is not ogg/opus")

const oggHeaderRestSize = 23

type oggPage struct {
	isHeader bool
	packets  [][]byte
}

// readOggPage reads the next page, skipping any garbage before the
// capture pattern.
func readOggPage(reader *bufio.Reader) (*oggPage, error) {
	if err := syncToOggPage(reader); err != nil {
		return nil, err
	}

	headerRest := make([]byte, oggHeaderRestSize)
	if _, err := io.ReadFull(reader, headerRest); err != nil {
		return nil, err
	}

	headerType := headerRest[1]
	pageSegments := headerRest[22]

	segmentTable := make([]byte, pageSegments)
	if _, err := io.ReadFull(reader, segmentTable); err != nil {
		return nil, err
	}

	pageSize := 0
	for _, seg := range segmentTable {
		pageSize += int(seg)
	}

	pageData := make([]byte, pageSize)
	if _, err := io.ReadFull(reader, pageData); err != nil {
		return nil, err
	}

	// BOS pages and the OpusHead/OpusTags packets carry no audio.
	isHeader := headerType&0x02 != 0
	if len(pageData) >= 8 {
		magic := string(pageData[:8])
		if magic == "OpusHead" || magic == "OpusTags" {
			isHeader = true
		}
	}

	return &oggPage{
		isHeader: isHeader,
		packets:  extractPacketsFromPage(segmentTable, pageData),
	}, nil
}

func syncToOggPage(reader *bufio.Reader) error {
	for {
		b, err := reader.ReadByte()
		if err != nil {
			return err
		}

		if b != 'O' {
			continue
		}

		peek, err := reader.Peek(3)
		if err != nil {
			return err
		}

		if string(peek) == "ggS" {
			_, _ = reader.Discard(3)
			return nil
		}
	}
}

// extractPacketsFromPage joins lacing segments into packets. A packet
// continued on the next page is returned as-is; Opus frames from ffmpeg
// never span pages at 20ms.
func extractPacketsFromPage(segmentTable []byte, pageData []byte) [][]byte {
	var packets [][]byte
	var currentPacket []byte
	offset := 0

	for _, segSize := range segmentTable {
		size := int(segSize)
		if offset+size > len(pageData) {
			break
		}

		currentPacket = append(currentPacket, pageData[offset:offset+size]...)
		offset += size

		if segSize < 255 && len(currentPacket) > 0 {
			packet := make([]byte, len(currentPacket))
			copy(packet, currentPacket)
			packets = append(packets, packet)
			currentPacket = currentPacket[:0]
		}
	}

	if len(currentPacket) > 0 {
		packet := make([]byte, len(currentPacket))
		copy(packet, currentPacket)
		packets = append(packets, packet)
	}

	return packets
}

// checkOpusHead peeks at the start of a stream and verifies that its
// first page opens an Opus logical stream. Nothing is consumed.
func checkOpusHead(reader *bufio.Reader) error {
	const need = 4 + oggHeaderRestSize + 1 + 8

	head, err := reader.Peek(need)
	if err != nil {
		return err
	}
	if string(head[:4]) != "OggS" {
		return ErrNotOpus
	}

	segments := int(head[4+22])
	full, err := reader.Peek(4 + oggHeaderRestSize + segments + 8)
	if err != nil {
		return err
	}
	if string(full[4+oggHeaderRestSize+segments:]) != "OpusHead" {
		return ErrNotOpus
	}
	return nil
}
