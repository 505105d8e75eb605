package biometric

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/atinyakov/gatekiosk/internal/models"
)

// ErrBadTemplate reports a template that does not decode to a usable
// embedding.
var ErrBadTemplate = errors.New("biometric: bad template")

type template struct {
	Dim    int       `cbor:"dim"`
	Values []float64 `cbor:"values"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("biometric: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("biometric: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeTemplate serializes an embedding. Equal embeddings encode to equal
// bytes.
func EncodeTemplate(e models.Embedding) ([]byte, error) {
	if e.Dim() == 0 {
		return nil, fmt.Errorf("%w: empty embedding", ErrBadTemplate)
	}
	return encMode.Marshal(template{Dim: e.Dim(), Values: e})
}

// DecodeTemplate parses a template and checks it has dim values. A
// non-positive dim skips the dimension check.
func DecodeTemplate(data []byte, dim int) (models.Embedding, error) {
	var t template
	if err := decMode.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadTemplate, err)
	}
	if t.Dim != len(t.Values) || t.Dim == 0 {
		return nil, fmt.Errorf("%w: header dim %d, %d values", ErrBadTemplate, t.Dim, len(t.Values))
	}
	if dim > 0 && t.Dim != dim {
		return nil, fmt.Errorf("%w: dim %d, want %d", ErrBadTemplate, t.Dim, dim)
	}
	return models.Embedding(t.Values), nil
}
