package fieldref

import (
	"strconv"
	"strings"
	"time"
)

// FormatJoda formats t with a Joda-Time style pattern such as "yyyy-MM-dd'T'HH".
//
// Letters outside the supported set and every non-letter are copied as-is.
// Text inside single quotes is literal; two single quotes produce one.
func FormatJoda(t time.Time, pattern string) string {
	var b strings.Builder
	b.Grow(len(pattern) + 8)

	for i := 0; i < len(pattern); {
		c := pattern[i]

		if c == '\'' {
			if i+1 < len(pattern) && pattern[i+1] == '\'' {
				b.WriteByte('\'')
				i += 2
				continue
			}
			end := strings.IndexByte(pattern[i+1:], '\'')
			if end < 0 {
				b.WriteString(pattern[i+1:])
				break
			}
			b.WriteString(pattern[i+1 : i+1+end])
			i += end + 2
			continue
		}

		n := 1
		for i+n < len(pattern) && pattern[i+n] == c {
			n++
		}
		if !writeField(&b, t, c, n) {
			b.WriteString(pattern[i : i+n])
		}
		i += n
	}
	return b.String()
}

func writeField(b *strings.Builder, t time.Time, c byte, n int) bool {
	switch c {
	case 'y', 'Y':
		if n == 2 {
			pad(b, t.Year()%100, 2)
		} else {
			pad(b, t.Year(), n)
		}
	case 'M':
		switch {
		case n >= 4:
			b.WriteString(t.Month().String())
		case n == 3:
			b.WriteString(t.Month().String()[:3])
		default:
			pad(b, int(t.Month()), n)
		}
	case 'd':
		pad(b, t.Day(), n)
	case 'D':
		pad(b, t.YearDay(), n)
	case 'H':
		pad(b, t.Hour(), n)
	case 'h':
		h := t.Hour() % 12
		if h == 0 {
			h = 12
		}
		pad(b, h, n)
	case 'm':
		pad(b, t.Minute(), n)
	case 's':
		pad(b, t.Second(), n)
	case 'S':
		fraction(b, t.Nanosecond(), n)
	case 'a':
		if t.Hour() < 12 {
			b.WriteString("AM")
		} else {
			b.WriteString("PM")
		}
	case 'E':
		if n >= 4 {
			b.WriteString(t.Weekday().String())
		} else {
			b.WriteString(t.Weekday().String()[:3])
		}
	case 'Z':
		if n == 1 {
			b.WriteString(t.Format("-0700"))
		} else {
			b.WriteString(t.Format("-07:00"))
		}
	case 'z':
		name, _ := t.Zone()
		b.WriteString(name)
	default:
		return false
	}
	return true
}

func pad(b *strings.Builder, v, width int) {
	s := strconv.Itoa(v)
	for i := len(s); i < width; i++ {
		b.WriteByte('0')
	}
	b.WriteString(s)
}

// fraction writes the leading n digits of the fractional second.
func fraction(b *strings.Builder, nanos, n int) {
	digits := n
	if digits > 9 {
		digits = 9
	}
	v := nanos
	for i := digits; i < 9; i++ {
		v /= 10
	}
	pad(b, v, digits)
	for i := digits; i < n; i++ {
		b.WriteByte('0')
	}
}
