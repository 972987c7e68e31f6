package decoder

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/FlavioCFOliveira/GoRezoom/internal/hyp"
	"github.com/FlavioCFOliveira/GoRezoom/internal/layer"
)

// ErrWeights marks a weight file that does not fit the configuration.
var ErrWeights = errors.New("incompatible weights")

const (
	initScale = 0.1
	// Width of the rezoom hidden layer.
	rezoomHidden = 128
)

// Weights is the single bundle of trainable matrices. It is created once
// and shared by every phase; forward passes only read it.
type Weights struct {
	OverfeatIP   *layer.Linear   // overfeat_ip (cnn_channels, lstm_size)
	BoxIP        *layer.Linear   // box_ip (lstm_size, 4)
	ConfIP       *layer.Linear   // conf_ip (lstm_size, num_classes)
	DeltaIP1     []*layer.Linear // delta_ip1_k (lstm_size + E*offsets, 128)
	DeltaIP2     []*layer.Linear // delta_ip2_k (128, num_classes)
	DeltaIPBoxes []*layer.Linear // delta_ip_boxes_k (128, 4), reregress only

	// Step is the global training step the bundle was saved at.
	Step int
}

// NewWeights validates h and initialises every matrix uniformly in
// [-0.1, 0.1] from a generator seeded with seed.
func NewWeights(h *hyp.Hypes, seed uint64) (*Weights, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	rng := layer.NewRNG(seed)
	w := &Weights{
		OverfeatIP: layer.NewLinear("overfeat_ip", h.CnnChannels, h.LstmSize, initScale, rng),
		BoxIP:      layer.NewLinear("box_ip", h.LstmSize, 4, initScale, rng),
		ConfIP:     layer.NewLinear("conf_ip", h.LstmSize, h.NumClasses, initScale, rng),
	}
	if !h.UseRezoom {
		return w, nil
	}
	in := h.LstmSize + h.EarlyFeatChannels*h.NumOffsets()
	for k := 0; k < h.RnnLen; k++ {
		w.DeltaIP1 = append(w.DeltaIP1, layer.NewLinear(fmt.Sprintf("delta_ip1_%d", k), in, rezoomHidden, initScale, rng))
		w.DeltaIP2 = append(w.DeltaIP2, layer.NewLinear(fmt.Sprintf("delta_ip2_%d", k), rezoomHidden, h.NumClasses, initScale, rng))
		if h.Reregress {
			w.DeltaIPBoxes = append(w.DeltaIPBoxes, layer.NewLinear(fmt.Sprintf("delta_ip_boxes_%d", k), rezoomHidden, 4, initScale, rng))
		}
	}
	return w, nil
}

// Layers returns every matrix in a fixed order.
func (w *Weights) Layers() []*layer.Linear {
	all := []*layer.Linear{w.OverfeatIP, w.BoxIP, w.ConfIP}
	for k := range w.DeltaIP1 {
		all = append(all, w.DeltaIP1[k], w.DeltaIP2[k])
		if k < len(w.DeltaIPBoxes) {
			all = append(all, w.DeltaIPBoxes[k])
		}
	}
	return all
}

// Params maps each matrix name to its live parameter slice.
func (w *Weights) Params() map[string][]float64 {
	params := make(map[string][]float64)
	for _, l := range w.Layers() {
		params[l.Name()] = l.Params()
	}
	return params
}

// NumParams is the total number of trainable values.
func (w *Weights) NumParams() int {
	n := 0
	for _, l := range w.Layers() {
		n += len(l.Params())
	}
	return n
}

// layerRecord is the serialised form of one matrix.
type layerRecord struct {
	Name    string
	InSize  int
	OutSize int
	Params  []float64
}

// Save writes the bundle to a file using gob encoding.
func (w *Weights) Save(filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if err := w.Encode(file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// Encode writes the bundle to an io.Writer using gob encoding.
func (w *Weights) Encode(out io.Writer) error {
	encoder := gob.NewEncoder(out)
	layers := w.Layers()
	if err := encoder.Encode(int32(len(layers))); err != nil {
		return fmt.Errorf("failed to encode layer count: %w", err)
	}
	if err := encoder.Encode(int64(w.Step)); err != nil {
		return fmt.Errorf("failed to encode step: %w", err)
	}
	for _, l := range layers {
		rec := layerRecord{Name: l.Name(), InSize: l.InSize(), OutSize: l.OutSize(), Params: l.Params()}
		if err := encoder.Encode(rec); err != nil {
			return fmt.Errorf("failed to encode %s: %w", l.Name(), err)
		}
	}
	return nil
}

// Load reads a bundle written by Save. The file must describe exactly the
// matrices that h calls for.
func Load(filename string, h *hyp.Hypes) (*Weights, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()
	return Decode(file, h)
}

// Decode reads a bundle from an io.Reader.
func Decode(in io.Reader, h *hyp.Hypes) (*Weights, error) {
	w, err := NewWeights(h, 0)
	if err != nil {
		return nil, err
	}
	decoder := gob.NewDecoder(in)

	var numLayers int32
	if err := decoder.Decode(&numLayers); err != nil {
		return nil, fmt.Errorf("failed to read layer count: %w", err)
	}
	var step int64
	if err := decoder.Decode(&step); err != nil {
		return nil, fmt.Errorf("failed to read step: %w", err)
	}
	w.Step = int(step)
	layers := w.Layers()
	if int(numLayers) != len(layers) {
		return nil, fmt.Errorf("%w: file has %d matrices, configuration needs %d", ErrWeights, numLayers, len(layers))
	}
	for _, l := range layers {
		var rec layerRecord
		if err := decoder.Decode(&rec); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", l.Name(), err)
		}
		if rec.Name != l.Name() || rec.InSize != l.InSize() || rec.OutSize != l.OutSize() || len(rec.Params) != len(l.Params()) {
			return nil, fmt.Errorf("%w: found %s %dx%d where %s %dx%d was expected",
				ErrWeights, rec.Name, rec.InSize, rec.OutSize, l.Name(), l.InSize(), l.OutSize())
		}
		l.SetParams(rec.Params)
	}
	return w, nil
}
