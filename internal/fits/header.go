// Package fits reads and writes the subset of FITS needed to stack
// single-channel images into a cube: primary headers and raw image data.
package fits

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

const (
	// BlockSize is the FITS record length; headers and data are padded to it.
	BlockSize = 2880
	cardSize  = 80
	// maxString is the longest quoted string, after doubling embedded
	// quotes, that fits in columns 11-80 of a value card.
	maxString = 68
)

// ErrCorrupt marks headers or data that cannot be a valid image.
var ErrCorrupt = errors.New("corrupt FITS file")

// Card is one 80-column header record.
type Card struct {
	Key     string
	Value   string // raw value text; strings are unquoted
	Comment string
	quoted  bool
}

// Header is an ordered list of cards.
type Header struct {
	cards []Card
	index map[string]int
}

// NewHeader returns an empty header.
func NewHeader() *Header {
	return &Header{index: make(map[string]int)}
}

// Cards returns a copy of the cards in order.
func (h *Header) Cards() []Card {
	return append([]Card(nil), h.cards...)
}

// Get returns the value of key.
func (h *Header) Get(key string) (string, bool) {
	i, ok := h.index[key]
	if !ok {
		return "", false
	}
	return h.cards[i].Value, true
}

// Int returns the integer value of key.
func (h *Header) Int(key string) (int, error) {
	v, ok := h.Get(key)
	if !ok {
		return 0, fmt.Errorf("%w: missing %s", ErrCorrupt, key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not an integer", ErrCorrupt, key, v)
	}
	return n, nil
}

// Float returns the floating point value of key. FITS allows D exponents.
func (h *Header) Float(key string) (float64, bool) {
	v, ok := h.Get(key)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.Replace(v, "D", "E", 1), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Set adds or replaces a keyword. value may be bool, an integer, float64 or string.
func (h *Header) Set(key string, value any, comment string) {
	c := Card{Key: strings.ToUpper(key), Comment: comment}
	switch v := value.(type) {
	case bool:
		c.Value = "F"
		if v {
			c.Value = "T"
		}
	case int:
		c.Value = strconv.Itoa(v)
	case int64:
		c.Value = strconv.FormatInt(v, 10)
	case float64:
		c.Value = formatFloat(v)
	case string:
		c.Value = v
		c.quoted = true
	default:
		c.Value = fmt.Sprint(v)
	}
	h.put(c)
}

// copyCard copies key from src verbatim, if present.
func (h *Header) copyCard(src *Header, key string) {
	if i, ok := src.index[key]; ok {
		h.put(src.cards[i])
	}
}

func (h *Header) put(c Card) {
	if i, ok := h.index[c.Key]; ok && !commentary(c.Key) {
		h.cards[i] = c
		return
	}
	h.index[c.Key] = len(h.cards)
	h.cards = append(h.cards, c)
}

func commentary(key string) bool {
	return key == "COMMENT" || key == "HISTORY" || key == ""
}

func formatFloat(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "0.0"
	}
	s := strconv.FormatFloat(v, 'G', -1, 64)
	if !strings.ContainsAny(s, ".E") {
		s += ".0"
	}
	return s
}

// Encode renders the header with its END card, padded to BlockSize.
// A string value too long for one card is an error.
func (h *Header) Encode() ([]byte, error) {
	var buf bytes.Buffer
	for _, c := range h.cards {
		line, err := c.format()
		if err != nil {
			return nil, err
		}
		buf.WriteString(line)
	}
	buf.WriteString(pad("END", cardSize))
	for buf.Len()%BlockSize != 0 {
		buf.WriteByte(' ')
	}
	return buf.Bytes(), nil
}

// format renders one card. Comments that overflow the card are cut.
func (c Card) format() (string, error) {
	key := pad(c.Key, 8)
	if commentary(c.Key) {
		return pad(key+c.Value, cardSize), nil
	}
	var val string
	if c.quoted {
		s := strings.ReplaceAll(c.Value, "'", "''")
		if len(s) > maxString {
			return "", fmt.Errorf("fits: %s: string value is %d characters, a card holds %d", c.Key, len(s), maxString)
		}
		// Fixed-format strings are at least 8 characters between the quotes.
		val = fmt.Sprintf("%-20s", "'"+fmt.Sprintf("%-8s", s)+"'")
	} else {
		val = fmt.Sprintf("%20s", c.Value)
	}
	line := key + "= " + val
	if c.Comment != "" {
		line += " / " + c.Comment
	}
	return pad(line, cardSize), nil
}

// pad fits s to exactly n columns.
func pad(s string, n int) string {
	if len(s) >= n {
		return s[:n]
	}
	return s + strings.Repeat(" ", n-len(s))
}

// ReadHeader parses one header unit from r and returns it with its encoded
// length in bytes (a multiple of BlockSize).
func ReadHeader(r io.Reader) (*Header, int64, error) {
	h := NewHeader()
	block := make([]byte, BlockSize)
	var n int64
	for {
		if _, err := io.ReadFull(r, block); err != nil {
			return nil, 0, fmt.Errorf("%w: header truncated after %d bytes: %v", ErrCorrupt, n, err)
		}
		n += BlockSize
		for off := 0; off < BlockSize; off += cardSize {
			raw := string(block[off : off+cardSize])
			if n == BlockSize && off == 0 && !strings.HasPrefix(raw, "SIMPLE  =") {
				return nil, 0, fmt.Errorf("%w: missing SIMPLE card", ErrCorrupt)
			}
			key := strings.TrimSpace(raw[:8])
			if key == "END" {
				return h, n, nil
			}
			h.put(parseCard(raw))
		}
	}
}

func parseCard(raw string) Card {
	c := Card{Key: strings.TrimSpace(raw[:8])}
	if raw[8:10] != "= " {
		c.Value = strings.TrimRight(raw[8:], " ")
		return c
	}
	rest := raw[10:]
	trimmed := strings.TrimLeft(rest, " ")
	if strings.HasPrefix(trimmed, "'") {
		c.quoted = true
		var sb strings.Builder
		i := 1
		for i < len(trimmed) {
			if trimmed[i] == '\'' {
				if i+1 < len(trimmed) && trimmed[i+1] == '\'' {
					sb.WriteByte('\'')
					i += 2
					continue
				}
				break
			}
			sb.WriteByte(trimmed[i])
			i++
		}
		c.Value = strings.TrimRight(sb.String(), " ")
		after := ""
		if i < len(trimmed) {
			after = trimmed[i+1:]
		}
		if j := strings.Index(after, "/"); j >= 0 {
			c.Comment = strings.TrimSpace(after[j+1:])
		}
		return c
	}
	if j := strings.Index(rest, "/"); j >= 0 {
		c.Value = strings.TrimSpace(rest[:j])
		c.Comment = strings.TrimSpace(rest[j+1:])
	} else {
		c.Value = strings.TrimSpace(rest)
	}
	return c
}
