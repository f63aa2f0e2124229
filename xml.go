package onvif

import (
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
)

// child walks a path of local element names below el. Tags are matched in
// any namespace.
func child(el *etree.Element, path ...string) *etree.Element {
	for _, tag := range path {
		if el == nil {
			return nil
		}
		el = el.SelectElement(tag)
	}
	return el
}

func childText(el *etree.Element, path ...string) string {
	if c := child(el, path...); c != nil {
		return strings.TrimSpace(c.Text())
	}
	return ""
}

func childInt(el *etree.Element, path ...string) int {
	n, _ := strconv.Atoi(childText(el, path...))
	return n
}

func childFloat(el *etree.Element, path ...string) (float64, bool) {
	s := childText(el, path...)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}

func childBool(el *etree.Element, path ...string) bool {
	return parseBool(childText(el, path...))
}

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(strings.TrimSpace(s))
	return b
}

func floatPtr(f float64, ok bool) *float64 {
	if !ok {
		return nil
	}
	return &f
}

func attrFloat(el *etree.Element, key string) *float64 {
	if el == nil {
		return nil
	}
	a := el.SelectAttr(key)
	if a == nil {
		return nil
	}
	f, err := strconv.ParseFloat(a.Value, 64)
	return floatPtr(f, err == nil)
}

// ParseDateTime parses an xs:dateTime value. Devices differ on fractional
// seconds and zone suffix.
func ParseDateTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func localName(s string) string {
	if i := strings.LastIndex(s, ":"); i >= 0 {
		return s[i+1:]
	}
	return s
}

// escapeXML escapes special XML characters in a string
func escapeXML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "'", "&apos;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	return s
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
