package attr

import (
	"fmt"
	"net/url"
	"unicode/utf8"

	"github.com/OpenPrinting/goipp"
)

// IPP syntax length limits, in octets.
const (
	MaxNameLen    = 255
	MaxTextLen    = 1023
	MaxKeywordLen = 255
	MaxURILen     = 1023
	MaxCharsetLen = 63
	MaxLangLen    = 63
	MaxMimeLen    = 255
	MaxOctetLen   = 1023
)

// Validate checks that every value of a matches the syntax its tag
// claims. Handlers echo failing attributes in the unsupported group.
func Validate(a goipp.Attribute) error {
	if a.Name == "" || len(a.Name) > MaxNameLen {
		return fmt.Errorf("bad attribute name length %d", len(a.Name))
	}
	for _, v := range a.Values {
		if err := validateValue(a.Name, v.T, v.V); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(name string, tag goipp.Tag, v goipp.Value) error {
	switch tag {
	case goipp.TagInteger, goipp.TagEnum:
		if _, ok := v.(goipp.Integer); !ok {
			return fmt.Errorf("%s: integer syntax with %s value", name, v.Type())
		}

	case goipp.TagBoolean:
		if _, ok := v.(goipp.Boolean); !ok {
			return fmt.Errorf("%s: boolean syntax with %s value", name, v.Type())
		}

	case goipp.TagText, goipp.TagTextLang:
		s, ok := v.(goipp.String)
		if !ok && tag == goipp.TagText {
			return fmt.Errorf("%s: text syntax with %s value", name, v.Type())
		}
		if ok {
			if len(s) > MaxTextLen {
				return fmt.Errorf("%s: text over %d octets", name, MaxTextLen)
			}
			if !utf8.ValidString(string(s)) {
				return fmt.Errorf("%s: text is not valid UTF-8", name)
			}
		}

	case goipp.TagName, goipp.TagNameLang:
		s, ok := v.(goipp.String)
		if !ok && tag == goipp.TagName {
			return fmt.Errorf("%s: name syntax with %s value", name, v.Type())
		}
		if ok {
			if len(s) > MaxNameLen {
				return fmt.Errorf("%s: name over %d octets", name, MaxNameLen)
			}
			if !utf8.ValidString(string(s)) {
				return fmt.Errorf("%s: name is not valid UTF-8", name)
			}
		}

	case goipp.TagKeyword:
		s, ok := v.(goipp.String)
		if !ok {
			return fmt.Errorf("%s: keyword syntax with %s value", name, v.Type())
		}
		if len(s) == 0 || len(s) > MaxKeywordLen {
			return fmt.Errorf("%s: bad keyword length %d", name, len(s))
		}
		for _, c := range string(s) {
			if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' ||
				c >= '0' && c <= '9' || c == '-' || c == '_' || c == '.') {
				return fmt.Errorf("%s: bad keyword character %q", name, c)
			}
		}

	case goipp.TagURI:
		s, ok := v.(goipp.String)
		if !ok {
			return fmt.Errorf("%s: uri syntax with %s value", name, v.Type())
		}
		if len(s) > MaxURILen {
			return fmt.Errorf("%s: uri over %d octets", name, MaxURILen)
		}
		u, err := url.Parse(string(s))
		if err != nil || u.Scheme == "" {
			return fmt.Errorf("%s: malformed uri %q", name, string(s))
		}

	case goipp.TagURIScheme:
		s, ok := v.(goipp.String)
		if !ok || len(s) == 0 || len(s) > MaxCharsetLen {
			return fmt.Errorf("%s: bad uriScheme", name)
		}

	case goipp.TagCharset:
		s, ok := v.(goipp.String)
		if !ok || len(s) == 0 || len(s) > MaxCharsetLen {
			return fmt.Errorf("%s: bad charset", name)
		}

	case goipp.TagLanguage:
		s, ok := v.(goipp.String)
		if !ok || len(s) == 0 || len(s) > MaxLangLen {
			return fmt.Errorf("%s: bad naturalLanguage", name)
		}

	case goipp.TagMimeType:
		s, ok := v.(goipp.String)
		if !ok || len(s) == 0 || len(s) > MaxMimeLen {
			return fmt.Errorf("%s: bad mimeMediaType", name)
		}

	case goipp.TagString:
		b, ok := v.(goipp.Binary)
		if ok && len(b) > MaxOctetLen {
			return fmt.Errorf("%s: octetString over %d octets", name, MaxOctetLen)
		}

	case goipp.TagDateTime:
		if _, ok := v.(goipp.Time); !ok {
			return fmt.Errorf("%s: dateTime syntax with %s value", name, v.Type())
		}

	case goipp.TagResolution:
		r, ok := v.(goipp.Resolution)
		if !ok {
			return fmt.Errorf("%s: resolution syntax with %s value", name, v.Type())
		}
		if r.Xres <= 0 || r.Yres <= 0 {
			return fmt.Errorf("%s: non-positive resolution", name)
		}

	case goipp.TagRange:
		r, ok := v.(goipp.Range)
		if !ok {
			return fmt.Errorf("%s: rangeOfInteger syntax with %s value", name, v.Type())
		}
		if r.Lower > r.Upper {
			return fmt.Errorf("%s: range lower %d above upper %d", name, r.Lower, r.Upper)
		}
	}
	return nil
}
