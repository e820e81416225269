// Package sequence models the movement programs sent to the arm and renders
// them into the line-oriented wire format the arm firmware parses.
package sequence

import (
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
)

// Limits enforced on programs before they are transmitted.
const (
	MinAngle = 0
	MaxAngle = 120
	// DefaultAngle is used for inline steps given without an angle.
	DefaultAngle = 25

	MinDelayMs = 500
	MaxDelayMs = 3000

	MaxSequences = 5
)

var joints = []string{"J1", "J2", "J3", "J4", "J5", "J6"}

var (
	ErrUnknownJoint = errors.New("unknown joint")
	ErrAngleRange   = fmt.Errorf("angle out of range [%d, %d]", MinAngle, MaxAngle)
	ErrDelayRange   = fmt.Errorf("delay out of range [%d, %d] ms", MinDelayMs, MaxDelayMs)
	ErrNoSteps      = errors.New("sequence has no steps")
	ErrEmptyProgram = errors.New("program has no sequences")
	ErrProgramFull  = fmt.Errorf("program already holds %d sequences", MaxSequences)
	ErrNotFound     = errors.New("sequence not found")
)

// Joints returns the joint identifiers understood by the arm, in servo order.
func Joints() []string {
	return slices.Clone(joints)
}

// ValidJoint reports whether id names one of the arm's joints.
func ValidJoint(id string) bool {
	return slices.Contains(joints, id)
}

// Step is a single joint rotation.
type Step struct {
	Joint string `json:"joint" yaml:"joint"`
	Angle int    `json:"angle" yaml:"angle"`
}

// Validate checks the joint name and the angle range.
func (s Step) Validate() error {
	if !ValidJoint(s.Joint) {
		return fmt.Errorf("%w: %q", ErrUnknownJoint, s.Joint)
	}
	if s.Angle < MinAngle || s.Angle > MaxAngle {
		return fmt.Errorf("%s: %w: %d", s.Joint, ErrAngleRange, s.Angle)
	}
	return nil
}

// Sequence is a group of steps executed with one shared delay.
type Sequence struct {
	ID      string `json:"id" yaml:"-"`
	DelayMs int    `json:"delay_ms" yaml:"delay_ms"`
	Steps   []Step `json:"steps" yaml:"steps"`
}

// New returns an empty sequence with a fresh random ID.
func New(delayMs int) Sequence {
	return Sequence{ID: uuid.NewString(), DelayMs: delayMs}
}

// Validate checks the delay range and every step. A sequence without steps
// is not eligible for transmission.
func (s Sequence) Validate() error {
	if s.DelayMs < MinDelayMs || s.DelayMs > MaxDelayMs {
		return fmt.Errorf("%w: %d", ErrDelayRange, s.DelayMs)
	}
	if len(s.Steps) == 0 {
		return ErrNoSteps
	}
	for i, st := range s.Steps {
		if err := st.Validate(); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}
