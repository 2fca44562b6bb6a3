package adapters

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom/pkg/tag"
)

// jsonElement is one attribute of the DICOM JSON model (PS3.18 F.2)
type jsonElement struct {
	VR    string            `json:"vr"`
	Value []json.RawMessage `json:"Value,omitempty"`
}

type personName struct {
	Alphabetic string `json:"Alphabetic"`
}

// decodeDICOMJSON reads a QIDO-RS response body into attribute maps keyed by keyword
func decodeDICOMJSON(r io.Reader) ([]map[string]string, error) {
	var rows []map[string]jsonElement
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&rows); err != nil {
		if err == io.EOF {
			// 204 style empty bodies
			return nil, nil
		}
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	out := make([]map[string]string, 0, len(rows))
	for _, row := range rows {
		attrs := make(map[string]string, len(row))
		for key, el := range row {
			attrs[keywordFor(key)] = renderValue(el)
		}
		out = append(out, attrs)
	}
	return out, nil
}

// keywordFor turns "0020000D" into "StudyInstanceUID". Unknown tags keep their hex form.
func keywordFor(hexTag string) string {
	if len(hexTag) != 8 {
		return hexTag
	}
	group, err := strconv.ParseUint(hexTag[:4], 16, 16)
	if err != nil {
		return hexTag
	}
	element, err := strconv.ParseUint(hexTag[4:], 16, 16)
	if err != nil {
		return hexTag
	}
	info, err := tag.Find(tag.Tag{Group: uint16(group), Element: uint16(element)})
	if err != nil || info.Keyword == "" {
		return strings.ToUpper(hexTag)
	}
	return info.Keyword
}

// renderValue flattens a JSON element to its string form. Multiple values are
// joined with a backslash as in the DICOM encoding; sequences and bulk data
// are left empty.
func renderValue(el jsonElement) string {
	values := make([]string, 0, len(el.Value))
	for _, raw := range el.Value {
		raw = bytes.TrimSpace(raw)
		switch {
		case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
			values = append(values, "")
		case raw[0] == '"':
			var s string
			if err := json.Unmarshal(raw, &s); err == nil {
				values = append(values, s)
			}
		case raw[0] == '{':
			if el.VR != "PN" {
				continue
			}
			var pn personName
			if err := json.Unmarshal(raw, &pn); err == nil {
				values = append(values, pn.Alphabetic)
			}
		default:
			values = append(values, string(raw))
		}
	}
	return strings.Join(values, `\`)
}
