package stats

import "fmt"

// AudioCodecName returns a label for a WAVEFORMATEX format tag.
func AudioCodecName(tag uint16) string {
	switch tag {
	case 0x0001:
		return "PCM"
	case 0x0055:
		return "MP3"
	case 0x0160:
		return "WMA1"
	case 0x0161:
		return "WMA2"
	case 0x0162:
		return "WMA Pro"
	case 0x0163:
		return "WMA Lossless"
	case 0x000A:
		return "WMA Voice"
	case 0x00FF, 0x1610:
		return "AAC"
	default:
		return fmt.Sprintf("0x%04X", tag)
	}
}

func formatAspect(x, y uint8) string {
	return fmt.Sprintf("%d:%d", x, y)
}
