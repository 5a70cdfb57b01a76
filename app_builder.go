package rtas

import (
	"errors"
	"fmt"

	"github.com/gekko3d/rtas/rt/device"
	"github.com/gekko3d/rtas/rt/geometry"
	"github.com/gekko3d/rtas/rt/shader"
)

var ErrIncomplete = errors.New("rtas: builder incomplete")

// SubsystemBuilder collects the collaborators of a Subsystem.
type SubsystemBuilder struct {
	provider  device.Provider
	extractor geometry.Extractor
	bundle    *shader.Bundle
	cfg       Config
	log       Logger
}

func NewSubsystemBuilder() *SubsystemBuilder {
	return &SubsystemBuilder{cfg: DefaultConfig()}
}

func (b *SubsystemBuilder) UseProvider(p device.Provider) *SubsystemBuilder {
	b.provider = p
	return b
}

func (b *SubsystemBuilder) UseExtractor(ex geometry.Extractor) *SubsystemBuilder {
	b.extractor = ex
	return b
}

func (b *SubsystemBuilder) UseShaderBundle(bundle *shader.Bundle) *SubsystemBuilder {
	b.bundle = bundle
	return b
}

func (b *SubsystemBuilder) UseConfig(cfg Config) *SubsystemBuilder {
	b.cfg = cfg
	return b
}

func (b *SubsystemBuilder) UseLogger(log Logger) *SubsystemBuilder {
	b.log = log
	return b
}

// Build checks the collected parts. GPU resources are created by Init.
func (b *SubsystemBuilder) Build() (*Subsystem, error) {
	var errs []error
	if b.provider == nil {
		errs = append(errs, fmt.Errorf("%w: no device provider", ErrIncomplete))
	}
	if b.extractor == nil {
		errs = append(errs, fmt.Errorf("%w: no geometry extractor", ErrIncomplete))
	}
	if b.bundle == nil {
		errs = append(errs, fmt.Errorf("%w: no shader bundle", ErrIncomplete))
	}
	if err := b.cfg.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	log := b.log
	if log == nil {
		log = NewDefaultLogger("rtas", false)
	}
	return newSubsystem(b.provider, b.extractor, b.bundle, b.cfg, log), nil
}
