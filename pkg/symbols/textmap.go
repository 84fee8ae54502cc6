package symbols

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
)

const textMapHeader = "# vmi symbols"

// isTextMap reports whether raw looks like a text symbol map: either it
// starts with the optional header or its first line starts with a hex
// offset followed by a space.
func isTextMap(raw []byte) bool {
	if bytes.HasPrefix(raw, []byte(textMapHeader)) {
		return true
	}
	line := raw
	if i := bytes.IndexByte(raw, '\n'); i >= 0 {
		line = raw[:i]
	}
	space := bytes.IndexByte(line, ' ')
	if space <= 0 {
		return false
	}
	_, err := strconv.ParseUint(string(line[:space]), 16, 64)
	return err == nil
}

// ParseTextMap reads a text symbol map, one symbol per line:
//
//	<hex offset> [type] <name>
//
// where type is a single nm style letter. Local data symbols (b, d and r
// types) are skipped, so are blank lines and lines starting with '#'.
func ParseTextMap(r io.Reader) ([]Symbol, error) {
	var syms []Symbol
	s := bufio.NewScanner(r)
	lineno := 0
	for s.Scan() {
		lineno++
		line := bytes.TrimSpace(s.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		fields := bytes.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("line %d: no symbol name", lineno)
		}
		off, err := strconv.ParseUint(string(fields[0]), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: %v", lineno, err)
		}
		name := fields[1]
		if len(fields) > 2 && len(fields[1]) == 1 {
			switch fields[1][0] {
			case 'b', 'd', 'r':
				continue
			}
			name = fields[2]
		}
		syms = append(syms, Symbol{Offset: off, Name: string(name)})
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return syms, nil
}

// WriteTextMap writes syms in the format read by ParseTextMap.
func WriteTextMap(w io.Writer, syms []Symbol) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, textMapHeader)
	for _, sym := range syms {
		fmt.Fprintf(bw, "%x T %s\n", sym.Offset, sym.Name)
	}
	return bw.Flush()
}
