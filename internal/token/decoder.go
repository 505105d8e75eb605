package token

import (
	"fmt"
	"image"
	"math"

	"github.com/makiuchi-d/gozxing"
	zxingqr "github.com/makiuchi-d/gozxing/qrcode"
	"go.uber.org/zap"
)

// Symbol is one decoded QR symbol.
type Symbol struct {
	Text   string
	Bounds image.Rectangle
}

// Backend finds QR symbols in an image.
type Backend interface {
	Name() string
	Scan(frame image.Image) ([]Symbol, error)
}

// ZXingBackend decodes QR codes with the gozxing reader. TryHarder trades
// speed for recall on blurred or skewed frames.
type ZXingBackend struct {
	TryHarder bool
}

// Name implements Backend.
func (b ZXingBackend) Name() string {
	if b.TryHarder {
		return "zxing-try-harder"
	}
	return "zxing"
}

// Scan implements Backend. A frame without a symbol yields no symbols and
// no error.
func (b ZXingBackend) Scan(frame image.Image) ([]Symbol, error) {
	bmp, err := gozxing.NewBinaryBitmapFromImage(frame)
	if err != nil {
		return nil, fmt.Errorf("binarize frame: %w", err)
	}
	hints := map[gozxing.DecodeHintType]interface{}{}
	if b.TryHarder {
		hints[gozxing.DecodeHintType_TRY_HARDER] = true
	}
	res, err := zxingqr.NewQRCodeReader().Decode(bmp, hints)
	if err != nil {
		// NotFound, checksum and format failures all mean "no symbol".
		return nil, nil
	}
	return []Symbol{{Text: res.GetText(), Bounds: boundsOf(res.GetResultPoints())}}, nil
}

func boundsOf(points []gozxing.ResultPoint) image.Rectangle {
	if len(points) == 0 {
		return image.Rectangle{}
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range points {
		minX = math.Min(minX, p.GetX())
		minY = math.Min(minY, p.GetY())
		maxX = math.Max(maxX, p.GetX())
		maxY = math.Max(maxY, p.GetY())
	}
	return image.Rect(int(minX), int(minY), int(math.Ceil(maxX)), int(math.Ceil(maxY)))
}

// DefaultBackends returns the fast reader followed by the try-harder one.
func DefaultBackends() []Backend {
	return []Backend{ZXingBackend{}, ZXingBackend{TryHarder: true}}
}

// Decoder tries each backend in priority order.
type Decoder struct {
	backends []Backend
	log      *zap.Logger
}

// NewDecoder returns a Decoder over backends; none selects DefaultBackends.
func NewDecoder(log *zap.Logger, backends ...Backend) *Decoder {
	if len(backends) == 0 {
		backends = DefaultBackends()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Decoder{backends: backends, log: log}
}

// Decode returns the first valid flight ticket payload found in frame.
// Foreign or malformed symbols are skipped.
func (d *Decoder) Decode(frame image.Image) (Payload, bool) {
	if frame == nil {
		return Payload{}, false
	}
	for _, b := range d.backends {
		for _, s := range d.scan(b, frame) {
			if p, ok := ParsePayload(s.Text); ok {
				return p, true
			}
			d.log.Debug("ignoring foreign QR payload", zap.String("backend", b.Name()))
		}
	}
	return Payload{}, false
}

// Locate returns the bounds of the first symbol found, valid or not.
func (d *Decoder) Locate(frame image.Image) (image.Rectangle, bool) {
	if frame == nil {
		return image.Rectangle{}, false
	}
	for _, b := range d.backends {
		for _, s := range d.scan(b, frame) {
			if !s.Bounds.Empty() {
				return s.Bounds, true
			}
		}
	}
	return image.Rectangle{}, false
}

func (d *Decoder) scan(b Backend, frame image.Image) (symbols []Symbol) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Warn("QR backend panicked", zap.String("backend", b.Name()), zap.Any("panic", r))
			symbols = nil
		}
	}()
	symbols, err := b.Scan(frame)
	if err != nil {
		d.log.Debug("QR backend failed", zap.String("backend", b.Name()), zap.Error(err))
		return nil
	}
	return symbols
}
