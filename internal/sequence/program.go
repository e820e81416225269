package sequence

import (
	"fmt"
	"io"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Program is an ordered, bounded list of sequences being edited before it
// is sent. It is not safe for concurrent use.
type Program struct {
	Sequences []Sequence `yaml:"sequences"`
}

// Add appends an empty sequence with the given delay and returns its ID.
func (p *Program) Add(delayMs int) (string, error) {
	if len(p.Sequences) >= MaxSequences {
		return "", ErrProgramFull
	}
	if delayMs < MinDelayMs || delayMs > MaxDelayMs {
		return "", fmt.Errorf("%w: %d", ErrDelayRange, delayMs)
	}
	s := New(delayMs)
	p.Sequences = append(p.Sequences, s)
	return s.ID, nil
}

// AddStep appends a step to the sequence with the given ID.
func (p *Program) AddStep(id string, st Step) error {
	if err := st.Validate(); err != nil {
		return err
	}
	i := p.index(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	p.Sequences[i].Steps = append(p.Sequences[i].Steps, st)
	return nil
}

// SetDelay changes the delay of the sequence with the given ID.
func (p *Program) SetDelay(id string, delayMs int) error {
	if delayMs < MinDelayMs || delayMs > MaxDelayMs {
		return fmt.Errorf("%w: %d", ErrDelayRange, delayMs)
	}
	i := p.index(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	p.Sequences[i].DelayMs = delayMs
	return nil
}

// Remove deletes the sequence with the given ID. Removing an unknown ID is a
// no-op.
func (p *Program) Remove(id string) {
	if i := p.index(id); i >= 0 {
		p.Sequences = append(p.Sequences[:i], p.Sequences[i+1:]...)
	}
}

// Ready reports whether the program may be transmitted: it must hold between
// one and MaxSequences sequences, each valid and with at least one step.
func (p *Program) Ready() error {
	if len(p.Sequences) == 0 {
		return ErrEmptyProgram
	}
	if len(p.Sequences) > MaxSequences {
		return ErrProgramFull
	}
	for i, s := range p.Sequences {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("sequence %d: %w", i+1, err)
		}
	}
	return nil
}

// Encode renders the program in wire format.
func (p *Program) Encode() string {
	return Encode(p.Sequences)
}

func (p *Program) index(id string) int {
	for i := range p.Sequences {
		if p.Sequences[i].ID == id {
			return i
		}
	}
	return -1
}

// Load reads a YAML program such as
//
//	sequences:
//	  - delay_ms: 500
//	    steps:
//	      - {joint: J1, angle: 25}
//
// Each sequence gets a fresh ID. The program is checked with Ready.
func Load(r io.Reader) (*Program, error) {
	var p Program
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		if err == io.EOF {
			return nil, ErrEmptyProgram
		}
		return nil, fmt.Errorf("decode program: %w", err)
	}
	for i := range p.Sequences {
		p.Sequences[i].ID = uuid.NewString()
	}
	if err := p.Ready(); err != nil {
		return nil, err
	}
	return &p, nil
}
