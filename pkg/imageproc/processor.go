// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package imageproc converts images to the normalized pixel arrays a pretrained segmentation
// model expects, following the model's "preprocessor_config.json" (the Hugging Face image
// processor configuration): resize, rescale and mean/std normalization.
package imageproc

import (
	"encoding/json"
	"image"
	"os"

	"github.com/disintegration/imaging"
	"github.com/gomlx/semseg/pkg/stages"
	"github.com/pkg/errors"
)

// ConfigFile is the name of the image processor configuration in a pretrained model directory.
const ConfigFile = "preprocessor_config.json"

// Resampling filters, numbered like PIL's, which is how "resample" is stored in ConfigFile.
const (
	ResampleNearest  = 0
	ResampleLanczos  = 1
	ResampleBilinear = 2
	ResampleBicubic  = 3
	ResampleBox      = 4
	ResampleHamming  = 5
)

// Size of the images fed to the model.
type Size struct {
	Height int `json:"height"`
	Width  int `json:"width"`
}

// UnmarshalJSON accepts both {"height": h, "width": w} and a single integer for square sizes
// (older processor configurations).
func (s *Size) UnmarshalJSON(data []byte) error {
	var square int
	if err := json.Unmarshal(data, &square); err == nil {
		s.Height, s.Width = square, square
		return nil
	}
	type plainSize Size
	var ps plainSize
	if err := json.Unmarshal(data, &ps); err != nil {
		return errors.Wrapf(err, "invalid image size %s", data)
	}
	*s = Size(ps)
	return nil
}

// Config of the image processor. The JSON tags match ConfigFile.
type Config struct {
	DoResize      bool      `json:"do_resize"`
	Size          Size      `json:"size"`
	Resample      int       `json:"resample"`
	DoRescale     bool      `json:"do_rescale"`
	RescaleFactor float64   `json:"rescale_factor"`
	DoNormalize   bool      `json:"do_normalize"`
	ImageMean     []float64 `json:"image_mean"`
	ImageStd      []float64 `json:"image_std"`

	// DoReduceLabels is informative only: masks are always remapped by the dataset transform.
	DoReduceLabels bool `json:"do_reduce_labels"`
}

// DefaultConfig returns the SegFormer image processor defaults: 512x512 bilinear resize,
// rescale by 1/255 and ImageNet mean/std normalization.
func DefaultConfig() Config {
	return Config{
		DoResize:      true,
		Size:          Size{Height: 512, Width: 512},
		Resample:      ResampleBilinear,
		DoRescale:     true,
		RescaleFactor: 1.0 / 255.0,
		DoNormalize:   true,
		ImageMean:     []float64{0.485, 0.456, 0.406},
		ImageStd:      []float64{0.229, 0.224, 0.225},
	}
}

// LoadConfig reads an image processor configuration file. Fields missing from the file keep
// their DefaultConfig values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	contents, err := os.ReadFile(path)
	if err != nil {
		return cfg, stages.New(stages.StageModelLoad, "read image processor configuration", err).At(path)
	}
	cfg, err = ParseConfig(contents)
	if err != nil {
		return cfg, stages.New(stages.StageModelLoad, "parse image processor configuration", err).At(path)
	}
	return cfg, nil
}

// ParseConfig parses the JSON contents of an image processor configuration. Fields missing
// keep their DefaultConfig values.
func ParseConfig(contents []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := json.Unmarshal(contents, &cfg); err != nil {
		return cfg, errors.Wrap(err, "invalid image processor configuration")
	}
	return cfg, nil
}

// Processor converts images to normalized Pixels. It is immutable and safe for concurrent use.
type Processor struct {
	cfg    Config
	filter imaging.ResampleFilter
}

// New creates a Processor from the given configuration.
func New(cfg Config) (*Processor, error) {
	p := &Processor{cfg: cfg}
	var err error
	switch cfg.Resample {
	case ResampleNearest:
		p.filter = imaging.NearestNeighbor
	case ResampleLanczos:
		p.filter = imaging.Lanczos
	case ResampleBilinear:
		p.filter = imaging.Linear
	case ResampleBicubic:
		p.filter = imaging.CatmullRom
	case ResampleBox:
		p.filter = imaging.Box
	case ResampleHamming:
		p.filter = imaging.Hamming
	default:
		err = errors.Errorf("unknown resample filter %d", cfg.Resample)
	}
	if err == nil && cfg.DoResize && (cfg.Size.Height <= 0 || cfg.Size.Width <= 0) {
		err = errors.Errorf("invalid resize target %dx%d", cfg.Size.Width, cfg.Size.Height)
	}
	if err == nil && cfg.DoNormalize {
		if len(cfg.ImageMean) != NumChannels || len(cfg.ImageStd) != NumChannels {
			err = errors.Errorf("image_mean and image_std must have %d values, got %v and %v",
				NumChannels, cfg.ImageMean, cfg.ImageStd)
		}
		for _, std := range cfg.ImageStd {
			if std == 0 {
				err = errors.Errorf("image_std can't have zeros, got %v", cfg.ImageStd)
			}
		}
	}
	if err == nil && cfg.DoRescale && cfg.RescaleFactor == 0 {
		err = errors.New("rescale_factor must be set when do_rescale is true")
	}
	if err != nil {
		return nil, stages.New(stages.StageConfig, "create image processor", err)
	}
	return p, nil
}

// Load creates a Processor from a configuration file.
func Load(path string) (*Processor, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return New(cfg)
}

// Config returns a copy of the processor configuration.
func (p *Processor) Config() Config { return p.cfg }

// OutputSize returns the size of the Pixels generated for an image of the given size.
func (p *Processor) OutputSize(imageSize image.Point) image.Point {
	if p.cfg.DoResize {
		return image.Pt(p.cfg.Size.Width, p.cfg.Size.Height)
	}
	return imageSize
}

// Preprocess resizes, rescales and normalizes img. Alpha is dropped.
func (p *Processor) Preprocess(img image.Image) (*Pixels, error) {
	if img == nil {
		return nil, stages.Errorf(stages.StagePreprocessing, "preprocess image", "nil image")
	}
	source := img.Bounds().Size()
	if source.X <= 0 || source.Y <= 0 {
		return nil, stages.Errorf(stages.StagePreprocessing, "preprocess image", "empty image with size %s", source)
	}
	var nrgba *image.NRGBA
	if p.cfg.DoResize {
		nrgba = imaging.Resize(img, p.cfg.Size.Width, p.cfg.Size.Height, p.filter)
	} else {
		nrgba = imaging.Clone(img)
	}

	var scale [NumChannels]float32
	var offset [NumChannels]float32
	for c := range scale {
		// value = ((v * rescale) - mean) / std, folded into value = v*scale[c] + offset[c].
		s, o := 1.0, 0.0
		if p.cfg.DoRescale {
			s = p.cfg.RescaleFactor
		}
		if p.cfg.DoNormalize {
			s /= p.cfg.ImageStd[c]
			o = -p.cfg.ImageMean[c] / p.cfg.ImageStd[c]
		}
		scale[c], offset[c] = float32(s), float32(o)
	}

	size := nrgba.Bounds().Size()
	pixels := NewPixels(size.X, size.Y)
	pixels.Source = source
	planeSize := size.X * size.Y
	for y := 0; y < size.Y; y++ {
		row := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+4*size.X]
		for x := 0; x < size.X; x++ {
			pos := y*size.X + x
			for c := 0; c < NumChannels; c++ {
				pixels.Data[c*planeSize+pos] = float32(row[4*x+c])*scale[c] + offset[c]
			}
		}
	}
	return pixels, nil
}
