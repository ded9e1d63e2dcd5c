package executor

import (
	"fmt"
	"strconv"
	"strings"
)

// normalizeURL turns a bare token into a fetchable URL: known scheme
// prefixes pass through, a dotless non-localhost name gains ".com",
// and everything else is served over https.
func normalizeURL(raw string) string {
	u := strings.TrimSpace(raw)
	for _, scheme := range []string{"http://", "https://", "ftp://", "file://"} {
		if strings.HasPrefix(u, scheme) {
			return u
		}
	}
	if !strings.Contains(u, ".") && !strings.HasPrefix(u, "localhost") {
		u += ".com"
	}
	return "https://" + u
}

// urlParam reports whether a parameter should be treated as a URL:
// named exactly "url", declared format "uri", or described as one.
func urlParam(name string, def map[string]any) bool {
	return name == "url" || urlFlagged(def)
}

func urlFlagged(def map[string]any) bool {
	if format, _ := def["format"].(string); format == "uri" {
		return true
	}
	desc, _ := def["description"].(string)
	desc = strings.ToLower(desc)
	return strings.Contains(desc, "url") || strings.Contains(desc, "uri")
}

func isNumericText(s string) bool {
	_, err := strconv.ParseFloat(strings.TrimSpace(strings.ReplaceAll(s, ",", "")), 64)
	return err == nil
}

// convertValue coerces an extracted string to the property's declared
// type. Integers parse through float and truncate, so "1,024" and
// "3.9" both land as integers. Arrays split on commas and convert each
// element to the declared item type.
func convertValue(value string, def map[string]any, urlHint bool) (any, error) {
	switch propType(def) {
	case "string":
		if urlHint || urlFlagged(def) {
			return normalizeURL(value), nil
		}
		return value, nil

	case "integer":
		f, err := strconv.ParseFloat(cleanNumber(value), 64)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to integer", value)
		}
		return int(f), nil

	case "number":
		f, err := strconv.ParseFloat(cleanNumber(value), 64)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to number", value)
		}
		return f, nil

	case "boolean":
		switch strings.ToLower(value) {
		case "true", "yes", "1":
			return true, nil
		case "false", "no", "0":
			return false, nil
		}
		return nil, fmt.Errorf("cannot convert %q to boolean", value)

	case "array":
		itemDef, _ := def["items"].(map[string]any)
		if itemDef == nil {
			itemDef = map[string]any{"type": "string"}
		}
		parts := strings.Split(value, ",")
		out := make([]any, 0, len(parts))
		for _, part := range parts {
			item, err := convertValue(strings.TrimSpace(part), itemDef, false)
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		return out, nil

	case "null":
		return nil, nil
	}
	return value, nil
}

func cleanNumber(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
}
