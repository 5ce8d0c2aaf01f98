package webhook

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

const (
	defaultProtocolVersion = "1.0"
	xmlRootElement         = "webhook"
	xmlListItemElement     = "item"
)

// Payload is the body sent to every endpoint, whatever its format.
type Payload struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
	Metadata  map[string]any `json:"metadata"`
}

func NewPayload(event domain.WebhookEvent, endpoint domain.WebhookEndpoint) Payload {
	version := strings.TrimSpace(endpoint.Version)
	if version == "" {
		version = defaultProtocolVersion
	}

	metadata := make(map[string]any, len(event.Metadata)+1)
	for k, v := range event.Metadata {
		metadata[k] = v
	}
	metadata["version"] = version

	data := event.Data
	if data == nil {
		data = map[string]any{}
	}

	return Payload{
		ID:        event.ID,
		Type:      event.Type,
		Timestamp: event.Timestamp.UTC().Format(time.RFC3339Nano),
		Data:      data,
		Metadata:  metadata,
	}
}

// Encode serializes the payload for the endpoint's format and returns the body with its
// content type.
func Encode(event domain.WebhookEvent, endpoint domain.WebhookEndpoint) ([]byte, string, error) {
	format, err := domain.ParsePayloadFormat(endpoint.Format.String())
	if err != nil {
		return nil, "", err
	}

	payload := NewPayload(event, endpoint)
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	switch format {
	case domain.PayloadFormatJSON:
		return raw, format.ContentType(), nil
	case domain.PayloadFormatForm:
		tree, err := decodeTree(raw)
		if err != nil {
			return nil, "", err
		}
		values := url.Values{}
		flattenForm(values, "", tree)
		return []byte(values.Encode()), format.ContentType(), nil
	case domain.PayloadFormatXML:
		tree, err := decodeTree(raw)
		if err != nil {
			return nil, "", err
		}
		body, err := encodeXML(tree)
		if err != nil {
			return nil, "", err
		}
		return body, format.ContentType(), nil
	default:
		return nil, "", fmt.Errorf("%w: unsupported payload format %q", domain.ErrValidation, format)
	}
}

// decodeTree turns arbitrary event data into plain maps, slices and scalars.
func decodeTree(raw []byte) (map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var tree map[string]any
	if err := decoder.Decode(&tree); err != nil {
		return nil, fmt.Errorf("failed to normalize payload: %w", err)
	}
	return tree, nil
}

// flattenForm writes nested keys in bracket notation: data[user][email]=..., data[tags][0]=...
func flattenForm(values url.Values, prefix string, value any) {
	switch v := value.(type) {
	case map[string]any:
		for _, key := range sortedKeys(v) {
			flattenForm(values, formKey(prefix, key), v[key])
		}
	case []any:
		for i, item := range v {
			flattenForm(values, formKey(prefix, strconv.Itoa(i)), item)
		}
	default:
		values.Add(prefix, scalarString(v))
	}
}

func formKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "[" + key + "]"
}

func encodeXML(tree map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)

	enc := xml.NewEncoder(&buf)
	if err := writeXMLElement(enc, xmlRootElement, tree); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, fmt.Errorf("failed to encode xml payload: %w", err)
	}
	return buf.Bytes(), nil
}

func writeXMLElement(enc *xml.Encoder, name string, value any) error {
	start := xml.StartElement{Name: xml.Name{Local: xmlName(name)}}
	if err := enc.EncodeToken(start); err != nil {
		return fmt.Errorf("failed to encode xml payload: %w", err)
	}

	switch v := value.(type) {
	case map[string]any:
		for _, key := range sortedKeys(v) {
			if err := writeXMLElement(enc, key, v[key]); err != nil {
				return err
			}
		}
	case []any:
		for _, item := range v {
			if err := writeXMLElement(enc, xmlListItemElement, item); err != nil {
				return err
			}
		}
	default:
		if text := scalarString(v); text != "" {
			if err := enc.EncodeToken(xml.CharData(text)); err != nil {
				return fmt.Errorf("failed to encode xml payload: %w", err)
			}
		}
	}

	if err := enc.EncodeToken(start.End()); err != nil {
		return fmt.Errorf("failed to encode xml payload: %w", err)
	}
	return nil
}

// xmlName maps a map key to a valid element name.
func xmlName(key string) string {
	var b strings.Builder
	for i, r := range key {
		valid := r == '_' || unicode.IsLetter(r) || (i > 0 && (unicode.IsDigit(r) || r == '-' || r == '.'))
		if !valid {
			if i == 0 && unicode.IsDigit(r) {
				b.WriteRune('_')
				b.WriteRune(r)
				continue
			}
			b.WriteRune('_')
			continue
		}
		b.WriteRune(r)
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

func scalarString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
