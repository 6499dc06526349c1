package segprobe

import (
	"errors"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
)

const (
	tsPacketSize = 188
	tsSyncByte   = 0x47

	streamTypeMPEG1Audio = 0x03
	streamTypeMPEG2Audio = 0x04
	streamTypeAAC        = 0x0F
	streamTypeH264       = 0x1B
	streamTypeH265       = 0x24
	streamTypeAC3        = 0x81

	h264NALTypeSPS = 7
	h265NALTypeSPS = 33

	// SPS 中解析出的帧率超过此值视为无效
	maxSaneFPS = 300
)

type tsPacket struct {
	pid     int
	start   bool
	payload []byte
}

// ParseTS 解析 MPEG-TS 数据，返回视频编码、分辨率、帧率与音频编码
func ParseTS(data []byte) (*Info, error) {
	pkts := splitPackets(data)
	if len(pkts) == 0 {
		return nil, errors.New("no ts sync byte")
	}

	pmtPID := -1
	for _, pkt := range pkts {
		if pkt.pid == 0 && pkt.start {
			if pid, ok := parsePAT(pkt.payload); ok {
				pmtPID = pid
				break
			}
		}
	}
	if pmtPID < 0 {
		return nil, errors.New("pat not found")
	}

	info := &Info{}
	videoPID, videoType := -1, 0
	for _, pkt := range pkts {
		if pkt.pid != pmtPID || !pkt.start {
			continue
		}
		streams, ok := parsePMT(pkt.payload)
		if !ok {
			continue
		}
		for _, s := range streams {
			switch s.streamType {
			case streamTypeH264:
				videoPID, videoType, info.VideoCodec = s.pid, s.streamType, "H.264"
			case streamTypeH265:
				videoPID, videoType, info.VideoCodec = s.pid, s.streamType, "H.265"
			case streamTypeAAC:
				info.AudioCodec = "AAC"
			case streamTypeAC3:
				info.AudioCodec = "AC-3"
			case streamTypeMPEG1Audio, streamTypeMPEG2Audio:
				if info.AudioCodec == "" {
					info.AudioCodec = "MP3"
				}
			}
		}
		break
	}
	if videoPID < 0 {
		return info, ErrNoVideo
	}

	var es []byte
	for _, pkt := range pkts {
		if pkt.pid != videoPID {
			continue
		}
		payload := pkt.payload
		if pkt.start && len(payload) >= 9 && payload[0] == 0 && payload[1] == 0 && payload[2] == 1 {
			headerEnd := 9 + int(payload[8])
			if headerEnd >= len(payload) {
				continue
			}
			payload = payload[headerEnd:]
		}
		es = append(es, payload...)
	}

	found := false
	switch videoType {
	case streamTypeH264:
		found = parseH264SPS(es, info)
	case streamTypeH265:
		found = parseH265SPS(es, info)
	}
	if !found {
		return info, ErrNoSPS
	}
	return info, nil
}

func splitPackets(data []byte) []tsPacket {
	offset := findSync(data)
	if offset < 0 {
		return nil
	}
	var pkts []tsPacket
	for pos := offset; pos+tsPacketSize <= len(data); pos += tsPacketSize {
		raw := data[pos : pos+tsPacketSize]
		if raw[0] != tsSyncByte {
			break
		}
		hasPayload := raw[3]&0x10 != 0
		if !hasPayload {
			continue
		}
		payloadOffset := 4
		if raw[3]&0x20 != 0 {
			payloadOffset = 5 + int(raw[4])
			if payloadOffset >= tsPacketSize {
				continue
			}
		}
		pkts = append(pkts, tsPacket{
			pid:     int(raw[1]&0x1F)<<8 | int(raw[2]),
			start:   raw[1]&0x40 != 0,
			payload: raw[payloadOffset:],
		})
	}
	return pkts
}

// findSync 找到第一个后续包也对齐的同步字节
func findSync(data []byte) int {
	for i := 0; i < tsPacketSize && i+tsPacketSize <= len(data); i++ {
		if data[i] != tsSyncByte {
			continue
		}
		next := i + tsPacketSize
		if next >= len(data) || data[next] == tsSyncByte {
			return i
		}
	}
	return -1
}

// psiSection 跳过 pointer field，返回去掉 CRC 的 section 内容
func psiSection(payload []byte, tableID byte) ([]byte, bool) {
	if len(payload) == 0 {
		return nil, false
	}
	start := 1 + int(payload[0])
	if start+3 > len(payload) || payload[start] != tableID {
		return nil, false
	}
	table := payload[start:]
	sectionLength := int(table[1]&0x0F)<<8 | int(table[2])
	end := 3 + sectionLength - 4
	if end > len(table) {
		end = len(table)
	}
	if end < 8 {
		return nil, false
	}
	return table[:end], true
}

func parsePAT(payload []byte) (int, bool) {
	table, ok := psiSection(payload, 0x00)
	if !ok {
		return 0, false
	}
	for off := 8; off+4 <= len(table); off += 4 {
		programNumber := int(table[off])<<8 | int(table[off+1])
		if programNumber == 0 {
			// network PID
			continue
		}
		return int(table[off+2]&0x1F)<<8 | int(table[off+3]), true
	}
	return 0, false
}

type esInfo struct {
	streamType int
	pid        int
}

func parsePMT(payload []byte) ([]esInfo, bool) {
	table, ok := psiSection(payload, 0x02)
	if !ok || len(table) < 12 {
		return nil, false
	}
	progInfoLen := int(table[10]&0x0F)<<8 | int(table[11])
	var streams []esInfo
	for off := 12 + progInfoLen; off+5 <= len(table); {
		streams = append(streams, esInfo{
			streamType: int(table[off]),
			pid:        int(table[off+1]&0x1F)<<8 | int(table[off+2]),
		})
		esInfoLen := int(table[off+3]&0x0F)<<8 | int(table[off+4])
		off += 5 + esInfoLen
	}
	return streams, true
}

func parseH264SPS(es []byte, info *Info) bool {
	for _, nal := range splitAnnexB(es) {
		if len(nal) == 0 || nal[0]&0x1F != h264NALTypeSPS {
			continue
		}
		var sps h264.SPS
		if err := sps.Unmarshal(nal); err != nil {
			continue
		}
		info.Width, info.Height = sps.Width(), sps.Height()
		if fps := sps.FPS(); fps > 0 && fps < maxSaneFPS {
			info.FrameRate = fps
		}
		return true
	}
	return false
}

func parseH265SPS(es []byte, info *Info) bool {
	for _, nal := range splitAnnexB(es) {
		if len(nal) < 2 || (nal[0]>>1)&0x3F != h265NALTypeSPS {
			continue
		}
		var sps h265.SPS
		if err := sps.Unmarshal(nal); err != nil {
			continue
		}
		info.Width, info.Height = sps.Width(), sps.Height()
		if fps := sps.FPS(); fps > 0 && fps < maxSaneFPS {
			info.FrameRate = fps
		}
		return true
	}
	return false
}

// splitAnnexB 按 00 00 01 起始码切分 NAL，4 字节起始码多出的 0 会被去掉
func splitAnnexB(data []byte) [][]byte {
	var starts []int
	for i := 0; i+2 < len(data); i++ {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			starts = append(starts, i+3)
			i += 2
		}
	}
	nals := make([][]byte, 0, len(starts))
	for i, start := range starts {
		end := len(data)
		if i+1 < len(starts) {
			end = starts[i+1] - 3
			for end > start && data[end-1] == 0 {
				end--
			}
		}
		if end > start {
			nals = append(nals, data[start:end])
		}
	}
	return nals
}
