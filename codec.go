package bundoc

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
)

// KeySize is the required AES-256 key length in bytes.
const KeySize = 32

var bufferPool = sync.Pool{
	New: func() interface{} { return new(bytes.Buffer) },
}

func getBuffer() *bytes.Buffer { return bufferPool.Get().(*bytes.Buffer) }

func putBuffer(b *bytes.Buffer) {
	b.Reset()
	bufferPool.Put(b)
}

// Serialize produces a UTF-8 JSON encoding of v. Object keys are emitted in
// insertion order and integer-vs-float distinction is preserved, which the
// standard library's encoding/json cannot do for a generic tree.
func Serialize(v Value, indented bool) ([]byte, error) {
	buf := getBuffer()
	defer putBuffer(buf)

	writeValue(buf, v)

	if !indented {
		out := make([]byte, buf.Len())
		copy(out, buf.Bytes())
		return out, nil
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, buf.Bytes(), "", "  "); err != nil {
		return nil, fmt.Errorf("bundoc: indent snapshot: %w", err)
	}
	return pretty.Bytes(), nil
}

func writeValue(buf *bytes.Buffer, v Value) {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		if v.b {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case KindNumber:
		writeNumber(buf, v.n)
	case KindString:
		writeJSONString(buf, v.s)
	case KindArray:
		buf.WriteByte('[')
		for i, item := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeValue(buf, item)
		}
		buf.WriteByte(']')
	case KindObject:
		buf.WriteByte('{')
		for i, k := range v.obj.Keys() {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeJSONString(buf, k)
			buf.WriteByte(':')
			val, _ := v.obj.Get(k)
			writeValue(buf, val)
		}
		buf.WriteByte('}')
	}
}

func writeNumber(buf *bytes.Buffer, n Number) {
	if n.isInt {
		buf.WriteString(strconv.FormatInt(n.i, 10))
		return
	}
	buf.WriteString(strconv.FormatFloat(n.f, 'g', -1, 64))
}

func writeJSONString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}

// Parse decodes a JSON document into a Value tree, preserving object key
// order and the integer-vs-float distinction of each number literal.
func Parse(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return Value{}, fmt.Errorf("%w: %v", ErrSyntaxInvalid, err)
	}
	if dec.More() {
		return Value{}, fmt.Errorf("%w: trailing data after document", ErrSyntaxInvalid)
	}
	return v, nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	return decodeToken(dec, tok)
}

func decodeToken(dec *json.Decoder, tok json.Token) (Value, error) {
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, err
		}
		return Float(f), nil
	case json.Delim:
		switch t {
		case '[':
			var items []Value
			for dec.More() {
				v, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				items = append(items, v)
			}
			if _, err := dec.Token(); err != nil { // consume ']'
				return Value{}, err
			}
			return Value{kind: KindArray, arr: items}, nil
		case '{':
			m := NewOrderedMap()
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return Value{}, fmt.Errorf("bundoc: object key is not a string")
				}
				v, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				m.Set(key, v)
			}
			if _, err := dec.Token(); err != nil { // consume '}'
				return Value{}, err
			}
			return Object(m), nil
		}
	}
	return Value{}, fmt.Errorf("bundoc: unexpected JSON token %v", tok)
}

// Envelope is the on-disk wrapper for an encrypted snapshot. WAL entries are
// not encrypted.
type Envelope struct {
	IV      string `json:"iv"`
	Tag     string `json:"tag"`
	Content string `json:"content"`
}

// Encrypt seals plaintext under key using AES-256-GCM with a fresh random
// nonce, returning the JSON envelope bytes.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("bundoc: generate nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	tagLen := aead.Overhead()
	ciphertext, tag := sealed[:len(sealed)-tagLen], sealed[len(sealed)-tagLen:]

	env := Envelope{
		IV:      hex.EncodeToString(nonce),
		Tag:     hex.EncodeToString(tag),
		Content: hex.EncodeToString(ciphertext),
	}
	return json.Marshal(env)
}

// Decrypt authenticates and opens an envelope produced by Encrypt. Any tag
// mismatch or malformed envelope returns ErrDecryptionFailed; the caller
// must treat the store as unusable once this occurs at open time.
func Decrypt(envelopeJSON, key []byte) ([]byte, error) {
	var env Envelope
	if err := json.Unmarshal(envelopeJSON, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", ErrDecryptionFailed, err)
	}
	iv, err := hex.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: bad iv: %v", ErrDecryptionFailed, err)
	}
	tag, err := hex.DecodeString(env.Tag)
	if err != nil {
		return nil, fmt.Errorf("%w: bad tag: %v", ErrDecryptionFailed, err)
	}
	content, err := hex.DecodeString(env.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: bad content: %v", ErrDecryptionFailed, err)
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce length", ErrDecryptionFailed)
	}
	sealed := append(append([]byte(nil), content...), tag...)
	plaintext, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrBadKeyLength, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("bundoc: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("bundoc: init gcm: %w", err)
	}
	return aead, nil
}

// looksLikeEnvelope reports whether data appears to be a JSON envelope
// object rather than a bare document, used by Recovery to decide whether a
// keyed open should attempt decryption.
func looksLikeEnvelope(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '{' && bytes.Contains(trimmed, []byte(`"iv"`)) && bytes.Contains(trimmed, []byte(`"content"`))
}
