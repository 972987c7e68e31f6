// Package hyp holds the detector hyperparameters ("hypes").
//
// A Hypes value is loaded once, validated, and then treated as immutable by
// every component that receives it.
package hyp

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrConfig marks missing or inconsistent hyperparameters.
var ErrConfig = errors.New("invalid hyperparameters")

// Rezoom target policies accepted by RezoomChangeLoss.
const (
	ChangeLossPresence = ""
	ChangeLossCenter   = "center"
	ChangeLossIOU      = "iou"
)

// Solver holds optimizer and loss weighting settings.
type Solver struct {
	HeadWeights      []float64 `json:"head_weights"`
	HungarianIOU     float64   `json:"hungarian_iou"`
	Opt              string    `json:"opt"`
	LearningRate     float64   `json:"learning_rate"`
	LearningRateStep int       `json:"learning_rate_step"`
	Epsilon          float64   `json:"epsilon"`
	WeightDecay      float64   `json:"weight_decay"`
	RndSeed          int64     `json:"rnd_seed"`
	MaxIter          int       `json:"max_iter"`
}

// Logging controls how often metrics and checkpoints are produced.
type Logging struct {
	DisplayIter int `json:"display_iter"`
	SaveIter    int `json:"save_iter"`
}

// Dirs holds output paths.
type Dirs struct {
	OutputDir string `json:"output_dir"`
}

// Hypes is the full hyperparameter set.
type Hypes struct {
	GridWidth         int  `json:"grid_width"`
	GridHeight        int  `json:"grid_height"`
	BatchSize         int  `json:"batch_size"`
	RnnLen            int  `json:"rnn_len"`
	NumClasses        int  `json:"num_classes"`
	CnnChannels       int  `json:"cnn_channels"`
	LstmSize          int  `json:"lstm_size"`
	EarlyFeatChannels int  `json:"early_feat_channels"`
	UseRezoom         bool `json:"use_rezoom"`
	Reregress         bool `json:"reregress"`
	UseLstm           bool `json:"use_lstm"`

	RezoomWCoords    []float64 `json:"rezoom_w_coords"`
	RezoomHCoords    []float64 `json:"rezoom_h_coords"`
	RezoomChangeLoss string    `json:"rezoom_change_loss"`
	RezoomConfScale  float64   `json:"rezoom_conf_scale"`

	RegionSize      int `json:"region_size"`       // pixels per coarse grid cell
	EarlyFeatStride int `json:"early_feat_stride"` // pixels per early feature cell
	ImageWidth      int `json:"image_width"`
	ImageHeight     int `json:"image_height"`

	Solver  Solver  `json:"solver"`
	Logging Logging `json:"logging"`
	Dirs    Dirs    `json:"dirs"`
}

// Default returns a small valid configuration without rezoom.
func Default() *Hypes {
	h := &Hypes{
		GridWidth:   4,
		GridHeight:  3,
		BatchSize:   1,
		RnnLen:      1,
		NumClasses:  2,
		CnnChannels: 16,
		LstmSize:    32,
		Solver: Solver{
			HeadWeights:  []float64{1.0, 0.1},
			HungarianIOU: 0.25,
			Opt:          "RMS",
			LearningRate: 0.001,
			Epsilon:      1e-5,
			RndSeed:      1,
			MaxIter:      1000,
		},
		Logging: Logging{DisplayIter: 50, SaveIter: 500},
		Dirs:    Dirs{OutputDir: "output"},
	}
	h.ApplyDefaults()
	return h
}

// Load reads a JSON hypes file, applies defaults and validates it.
func Load(filename string) (*Hypes, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read hypes: %w", err)
	}
	h := &Hypes{}
	if err := json.Unmarshal(b, h); err != nil {
		return nil, fmt.Errorf("failed to parse hypes %s: %w", filename, err)
	}
	h.ApplyDefaults()
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return h, nil
}

// ApplyDefaults fills zero-valued optional settings.
func (h *Hypes) ApplyDefaults() {
	if h.RezoomConfScale == 0 {
		h.RezoomConfScale = 50
	}
	if h.RegionSize == 0 {
		h.RegionSize = 32
	}
	if h.EarlyFeatStride == 0 {
		h.EarlyFeatStride = 8
	}
	if h.ImageWidth == 0 {
		h.ImageWidth = h.GridWidth * h.RegionSize
	}
	if h.ImageHeight == 0 {
		h.ImageHeight = h.GridHeight * h.RegionSize
	}
	if h.Solver.Opt == "" {
		h.Solver.Opt = "RMS"
	}
	if h.Solver.Epsilon == 0 {
		h.Solver.Epsilon = 1e-5
	}
	if h.Logging.DisplayIter == 0 {
		h.Logging.DisplayIter = 50
	}
	if h.Dirs.OutputDir == "" {
		h.Dirs.OutputDir = "output"
	}
}

func configErr(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, a...))
}

// Validate checks that the hypes are complete and self-consistent.
func (h *Hypes) Validate() error {
	positive := []struct {
		name string
		v    int
	}{
		{"grid_width", h.GridWidth},
		{"grid_height", h.GridHeight},
		{"batch_size", h.BatchSize},
		{"rnn_len", h.RnnLen},
		{"num_classes", h.NumClasses},
		{"cnn_channels", h.CnnChannels},
		{"lstm_size", h.LstmSize},
		{"region_size", h.RegionSize},
		{"early_feat_stride", h.EarlyFeatStride},
		{"logging.display_iter", h.Logging.DisplayIter},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return configErr("%s must be positive, got %d", p.name, p.v)
		}
	}
	if h.NumClasses < 2 {
		return configErr("num_classes must be at least 2 (background and object), got %d", h.NumClasses)
	}
	// The Overfeat decoder emits a single box per cell.
	if h.RnnLen != 1 {
		return configErr("rnn_len must be 1 for the overfeat decoder, got %d", h.RnnLen)
	}
	if len(h.Solver.HeadWeights) != 2 {
		return configErr("solver.head_weights needs 2 entries, got %d", len(h.Solver.HeadWeights))
	}
	for i, w := range h.Solver.HeadWeights {
		if w < 0 {
			return configErr("solver.head_weights[%d] is negative", i)
		}
	}
	if h.Solver.HungarianIOU < 0 || h.Solver.HungarianIOU > 1 {
		return configErr("solver.hungarian_iou must be in [0, 1], got %v", h.Solver.HungarianIOU)
	}
	switch h.Solver.Opt {
	case "SGD", "Adam", "RMS":
	default:
		return configErr("unknown solver.opt %q", h.Solver.Opt)
	}
	if h.Reregress && !h.UseRezoom {
		return configErr("reregress requires use_rezoom")
	}
	switch h.RezoomChangeLoss {
	case ChangeLossPresence, ChangeLossCenter, ChangeLossIOU:
	default:
		return configErr("unknown rezoom_change_loss %q", h.RezoomChangeLoss)
	}
	if h.UseRezoom {
		if h.EarlyFeatChannels <= 0 {
			return configErr("use_rezoom needs early_feat_channels > 0")
		}
		if len(h.RezoomWCoords) == 0 || len(h.RezoomHCoords) == 0 {
			return configErr("use_rezoom needs rezoom_w_coords and rezoom_h_coords")
		}
		if h.RegionSize%h.EarlyFeatStride != 0 {
			return configErr("region_size %d is not a multiple of early_feat_stride %d", h.RegionSize, h.EarlyFeatStride)
		}
	}
	return nil
}

// GridSize is the number of cells per image.
func (h *Hypes) GridSize() int {
	return h.GridWidth * h.GridHeight
}

// OuterSize is the number of cells across the batch.
func (h *Hypes) OuterSize() int {
	return h.GridSize() * h.BatchSize
}

// NumOffsets is the number of rezoom sample points per box.
func (h *Hypes) NumOffsets() int {
	return len(h.RezoomWCoords) * len(h.RezoomHCoords)
}

// EarlyScale is the number of early feature cells per coarse cell along each axis.
func (h *Hypes) EarlyScale() int {
	return h.RegionSize / h.EarlyFeatStride
}

// EarlyWidth is the width of the early feature map.
func (h *Hypes) EarlyWidth() int {
	return h.GridWidth * h.EarlyScale()
}

// EarlyHeight is the height of the early feature map.
func (h *Hypes) EarlyHeight() int {
	return h.GridHeight * h.EarlyScale()
}

// Clone returns a deep copy, for callers that want to tweak a shared config.
func (h *Hypes) Clone() *Hypes {
	c := *h
	c.RezoomWCoords = append([]float64(nil), h.RezoomWCoords...)
	c.RezoomHCoords = append([]float64(nil), h.RezoomHCoords...)
	c.Solver.HeadWeights = append([]float64(nil), h.Solver.HeadWeights...)
	return &c
}
