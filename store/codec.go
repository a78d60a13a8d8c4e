package store

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/klauspost/compress/zlib"
)

// Body fields the codec treats specially.
const (
	fieldContent         = "content"
	fieldPayload         = "payload"
	fieldResponseDetails = "responseDetails"
	fieldXML             = "XML"
	fieldBatchXML        = "Batch XML"
)

// Compress deflates data in zlib format.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress inflates zlib data. Malformed input wraps ErrCorruption.
func Decompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruption, err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruption, err)
	}
	return out, nil
}

// EncodeBody converts a payload into the stored body attribute for kind.
// Records and claims become compressed JSON. Document content is decoded
// from base64 so the table holds raw binary. Worklists keep their shape with
// only responseDetails.XML compressed. The payload is never modified.
func EncodeBody(kind SortKey, payload map[string]any) (types.AttributeValue, error) {
	switch kind {
	case SortKeyRecord, SortKeyClaim:
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", kind, err)
		}
		compressed, err := Compress(data)
		if err != nil {
			return nil, fmt.Errorf("compress %s body: %w", kind, err)
		}
		return &types.AttributeValueMemberB{Value: compressed}, nil

	case SortKeyDocument:
		body := shallowCopy(payload)
		if content, ok := body[fieldContent].(string); ok && content != "" {
			decoded, err := decodeStrictBase64(content)
			if err != nil {
				return nil, err
			}
			body[fieldContent] = decoded
		}
		return marshalBody(kind, body)

	case SortKeyWorkList:
		body := shallowCopy(payload)
		if details, ok := body[fieldResponseDetails].(map[string]any); ok {
			details = shallowCopy(details)
			var raw []byte
			switch xml := details[fieldXML].(type) {
			case string:
				raw = []byte(xml)
			case []byte:
				raw = xml
			}
			if len(raw) > 0 {
				compressed, err := Compress(raw)
				if err != nil {
					return nil, fmt.Errorf("compress worklist XML: %w", err)
				}
				details[fieldXML] = compressed
			}
			body[fieldResponseDetails] = details
		}
		return marshalBody(kind, body)
	}
	return marshalBody(kind, payload)
}

// DecodeBody reverses EncodeBody. Legacy map bodies of records and claims
// are accepted as stored. Document content comes back base64 encoded unless
// passThrough is set, in which case a binary payload is returned as text.
// A nil body decodes to a nil map.
func DecodeBody(kind SortKey, body types.AttributeValue, passThrough bool) (map[string]any, error) {
	if body == nil {
		return nil, nil
	}
	if _, ok := body.(*types.AttributeValueMemberNULL); ok {
		return nil, nil
	}

	var out map[string]any
	switch v := body.(type) {
	case *types.AttributeValueMemberB:
		data, err := Decompress(v.Value)
		if err != nil {
			return nil, err
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&out); err != nil {
			return nil, fmt.Errorf("%w: decode %s body: %v", ErrCorruption, kind, err)
		}
	case *types.AttributeValueMemberM:
		err := attributevalue.UnmarshalMapWithOptions(v.Value, &out, func(o *attributevalue.DecoderOptions) {
			o.UseNumber = true
		})
		if err != nil {
			return nil, fmt.Errorf("%w: decode %s body: %v", ErrCorruption, kind, err)
		}
	default:
		return nil, fmt.Errorf("%w: unexpected %T body for %s", ErrCorruption, body, kind)
	}

	out, _ = NormalizeNumeric(out).(map[string]any)

	switch kind {
	case SortKeyDocument:
		if passThrough {
			if payload, ok := out[fieldPayload].([]byte); ok {
				out[fieldPayload] = string(payload)
			}
		} else if content, ok := out[fieldContent].([]byte); ok {
			out[fieldContent] = base64.StdEncoding.EncodeToString(content)
		}
	case SortKeyWorkList:
		if details, ok := out[fieldResponseDetails].(map[string]any); ok {
			if compressed, ok := details[fieldXML].([]byte); ok && len(compressed) > 0 {
				xml, err := Decompress(compressed)
				if err != nil {
					return nil, err
				}
				details[fieldXML] = string(xml)
			}
		}
	case SortKeyClaim:
		if batchXML, ok := out[fieldBatchXML].([]byte); ok {
			out[fieldBatchXML] = string(batchXML)
		}
	}
	return out, nil
}

// NormalizeNumeric replaces every number read back from storage with an
// int when it is integral and a float64 otherwise. Maps and slices are
// rewritten in place.
func NormalizeNumeric(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			t[k] = NormalizeNumeric(child)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = NormalizeNumeric(child)
		}
		return t
	case attributevalue.Number:
		return parseNumber(string(t))
	case json.Number:
		return parseNumber(string(t))
	}
	return v
}

func parseNumber(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return int(i)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int(f)
		}
		return f
	}
	return s
}

// decodeStrictBase64 accepts only input that re-encodes to itself.
func decodeStrictBase64(s string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: document content is not base64: %v", ErrInvalidContent, err)
	}
	if base64.StdEncoding.EncodeToString(decoded) != s {
		return nil, fmt.Errorf("%w: document content is not canonical base64", ErrInvalidContent)
	}
	return decoded, nil
}

func marshalBody(kind SortKey, body map[string]any) (types.AttributeValue, error) {
	av, err := attributevalue.MarshalMap(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", kind, err)
	}
	return &types.AttributeValueMemberM{Value: av}, nil
}

func shallowCopy(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
