// Package sim defines the contract between the task layer and an
// opaque simulation backend. The backend owns rigid-body dynamics and
// actuation; the task layer owns every derived quantity. All state is
// batched with one environment per row.
package sim

import (
	"github.com/pkg/errors"
	"github.com/samuelfneumann/gofactory/posemath"
	"gonum.org/v1/gonum/mat"
)

// Actor identifies a rigid body or articulated actor tracked in every
// environment instance
type Actor int

const (
	Wrist Actor = iota
	Nut
	Bolt

	NumActors
)

func (a Actor) String() string {
	switch a {
	case Wrist:
		return "Wrist"
	case Nut:
		return "Nut"
	default:
		return "Bolt"
	}
}

// EnvState holds the batched raw physical state of all environments.
// The backend is the sole mutator of this state during Advance; the
// task layer mutates it only through indexed writes during resets.
type EnvState struct {
	NumEnvs int
	NumDofs int

	DofPos           *mat.Dense // (N x NumDofs)
	DofVel           *mat.Dense // (N x NumDofs)
	CtrlTargetDofPos *mat.Dense // (N x NumDofs)

	RootPos    [NumActors]*mat.Dense // each (N x 3)
	RootQuat   [NumActors]*mat.Dense // each (N x 4)
	RootLinVel [NumActors]*mat.Dense // each (N x 3)
	RootAngVel [NumActors]*mat.Dense // each (N x 3)
}

// NewEnvState returns a zeroed EnvState with identity root orientations
func NewEnvState(numEnvs, numDofs int) *EnvState {
	s := &EnvState{
		NumEnvs:          numEnvs,
		NumDofs:          numDofs,
		DofPos:           mat.NewDense(numEnvs, numDofs, nil),
		DofVel:           mat.NewDense(numEnvs, numDofs, nil),
		CtrlTargetDofPos: mat.NewDense(numEnvs, numDofs, nil),
	}
	for a := Actor(0); a < NumActors; a++ {
		s.RootPos[a] = mat.NewDense(numEnvs, 3, nil)
		s.RootQuat[a] = posemath.IdentityQuat(numEnvs)
		s.RootLinVel[a] = mat.NewDense(numEnvs, 3, nil)
		s.RootAngVel[a] = mat.NewDense(numEnvs, 3, nil)
	}
	return s
}

// Clone returns a deep copy of the state
func (s *EnvState) Clone() *EnvState {
	c := &EnvState{
		NumEnvs:          s.NumEnvs,
		NumDofs:          s.NumDofs,
		DofPos:           mat.DenseCopyOf(s.DofPos),
		DofVel:           mat.DenseCopyOf(s.DofVel),
		CtrlTargetDofPos: mat.DenseCopyOf(s.CtrlTargetDofPos),
	}
	for a := Actor(0); a < NumActors; a++ {
		c.RootPos[a] = mat.DenseCopyOf(s.RootPos[a])
		c.RootQuat[a] = mat.DenseCopyOf(s.RootQuat[a])
		c.RootLinVel[a] = mat.DenseCopyOf(s.RootLinVel[a])
		c.RootAngVel[a] = mat.DenseCopyOf(s.RootAngVel[a])
	}
	return c
}

// DriveSignal is the low-level control input consumed by a backend on
// each Advance. It is recomputed from the current action every step and
// never persisted.
type DriveSignal struct {
	TargetWristPos  *mat.Dense // (N x 3)
	TargetWristQuat *mat.Dense // (N x 4)

	// Task-space proportional command: position and rotation error
	// with gains applied, (N x 6)
	TaskSpaceCommand *mat.Dense

	// Desired contact wrench (N x 6), nil when force control is off
	TargetWrench *mat.Dense

	TargetGripperDofPos *mat.Dense // (N x gripper dofs)
}

// Backend is the opaque simulation collaborator. Implementations must
// treat one Advance call as one synchronous lockstep physics step over
// the whole batch. All errors returned by a Backend are fatal to the
// task layer and are propagated upward unmodified.
type Backend interface {
	// Advance applies drive signals and steps physics for all
	// environments
	Advance(sig *DriveSignal) error

	// ReadState returns the canonical batched state. The returned
	// state is valid until the next Advance.
	ReadState() *EnvState

	// WriteDofState commits joint state for the environments in
	// envIDs only, reading the corresponding rows of the full-batch
	// matrices. Rows of other environments are ignored.
	WriteDofState(envIDs []int, pos, vel, ctrlTarget *mat.Dense) error

	// WriteRootState commits root state of one actor for the
	// environments in envIDs only.
	WriteRootState(actor Actor, envIDs []int, pos, quat, linVel,
		angVel *mat.Dense) error

	// Render draws the current state, if the backend has a viewer
	// attached. Backends without one return nil immediately.
	Render() error
}

// validIndices checks that every environment index is within the batch
func validIndices(envIDs []int, numEnvs int) error {
	for _, id := range envIDs {
		if id < 0 || id >= numEnvs {
			return errors.Errorf("environment index %v out of range [0, %v)",
				id, numEnvs)
		}
	}
	return nil
}
