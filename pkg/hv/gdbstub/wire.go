package gdbstub

import (
	"bytes"
	"fmt"
	"strconv"
)

// Packets travel as $payload#cc where cc is the modulo 256 sum of the
// payload bytes. Replies may escape a byte as '}' followed by the byte
// xored with 0x20, and non binary replies may repeat the previous byte
// with '*' followed by the repeat count plus 29.
const (
	escapeByte    = '}'
	escapeXor     = 0x20
	runLengthByte = '*'
	runLengthBias = 29
)

func payloadSum(payload []byte) (sum uint8) {
	for _, c := range payload {
		sum += c
	}
	return sum
}

// frame appends payload to dst as a complete packet.
func frame(dst, payload []byte) []byte {
	dst = append(dst, '$')
	dst = append(dst, payload...)
	return fmt.Appendf(dst, "#%02x", payloadSum(payload))
}

// validChecksum checks the two hex digits that follow pkt, which runs from
// the leading '$' to the '#'.
func validChecksum(pkt, digits []byte) bool {
	if len(pkt) == 0 || pkt[0] != '$' {
		return false
	}
	payload := pkt[1:]
	if i := bytes.IndexByte(payload, '#'); i >= 0 {
		payload = payload[:i]
	}
	want, err := strconv.ParseUint(string(digits), 16, 8)
	return err == nil && payloadSum(payload) == uint8(want)
}

// unframe decodes the payload of pkt into dst[:0] and returns it. Run
// lengths are expanded only when rle is set, binary replies such as qXfer
// only use escapes.
func unframe(dst, pkt []byte, rle bool) []byte {
	dst = dst[:0]
	body := bytes.TrimSuffix(pkt[1:], []byte{'#'})
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case c == escapeByte && i+1 < len(body):
			i++
			dst = append(dst, body[i]^escapeXor)
		case c == runLengthByte && rle && i+1 < len(body) && len(dst) > 0:
			i++
			last := dst[len(dst)-1]
			for n := int(body[i]) - runLengthBias; n > 0; n-- {
				dst = append(dst, last)
			}
		default:
			dst = append(dst, c)
		}
	}
	return dst
}

// parseStopPacket decodes a stop reply. Console output ('O') is not a stop
// and is reported with skip set.
func parseStopPacket(resp []byte) (sp stopPacket, skip bool, err error) {
	switch resp[0] {
	case 'O':
		return sp, true, nil
	case 'W', 'X':
		// guest shut down or stub detached
		sp.exited = true
		return sp, false, nil
	case 'T', 'S':
	default:
		return sp, false, fmt.Errorf("unexpected stop packet %q", resp)
	}
	if len(resp) < 3 {
		return sp, false, fmt.Errorf("malformed stop packet %q", resp)
	}
	sig, err := strconv.ParseUint(string(resp[1:3]), 16, 8)
	if err != nil {
		return sp, false, fmt.Errorf("malformed stop packet %q", resp)
	}
	sp.sig = uint8(sig)
	for _, field := range bytes.Split(resp[3:], []byte{';'}) {
		if key, val, ok := bytes.Cut(field, []byte{':'}); ok && string(key) == "thread" {
			sp.threadID = string(val)
		}
	}
	return sp, false, nil
}
