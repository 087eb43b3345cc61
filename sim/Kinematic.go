package sim

import (
	"gonum.org/v1/gonum/mat"

	"github.com/pkg/errors"
	"github.com/samuelfneumann/gofactory/posemath"
	"github.com/samuelfneumann/gofactory/utils/floatutils"
)

// Kinematic is a deterministic in-memory Backend used by tests and the
// demo driver. Each Advance closes a fixed fraction of the wrist pose
// error and tracks gripper joint targets directly. Objects keep their
// poses with zeroed velocities. It is a stand-in for a physics engine,
// not one itself: no contact, no dynamics.
type Kinematic struct {
	state          *EnvState
	numGripperDofs int

	// Fraction of the remaining pose error closed per Advance,
	// in (0, 1]
	servoRate float64

	// Physics timestep used to report wrist velocities
	dt float64
}

// NewKinematic returns a Kinematic backend for numEnvs environments
// with numDofs robot joints, of which the last numGripperDofs drive the
// gripper
func NewKinematic(numEnvs, numDofs, numGripperDofs int,
	servoRate float64) (*Kinematic, error) {
	if numEnvs <= 0 {
		return nil, errors.Errorf("newKinematic: numEnvs must be positive, "+
			"got %v", numEnvs)
	}
	if numGripperDofs > numDofs {
		return nil, errors.Errorf("newKinematic: %v gripper dofs exceed %v "+
			"total dofs", numGripperDofs, numDofs)
	}
	if servoRate <= 0.0 || servoRate > 1.0 {
		return nil, errors.Errorf("newKinematic: servoRate must be in "+
			"(0, 1], got %v", servoRate)
	}

	return &Kinematic{
		state:          NewEnvState(numEnvs, numDofs),
		numGripperDofs: numGripperDofs,
		servoRate:      servoRate,
		dt:             1.0 / 60.0,
	}, nil
}

// Advance applies the drive signal and steps the kinematic model once
func (k *Kinematic) Advance(sig *DriveSignal) error {
	if sig == nil {
		return errors.New("advance: nil drive signal")
	}
	n := k.state.NumEnvs
	if r, _ := sig.TargetWristPos.Dims(); r != n {
		return errors.Errorf("advance: drive signal batch %v does not "+
			"match %v environments", r, n)
	}

	wristPos := k.state.RootPos[Wrist]
	wristQuat := k.state.RootQuat[Wrist]

	posErr, rotErr := posemath.PoseError(wristPos, wristQuat,
		sig.TargetWristPos, sig.TargetWristQuat, posemath.AxisAngle)

	// Close a fraction of the pose error
	for i := 0; i < n; i++ {
		for j := 0; j < 3; j++ {
			step := k.servoRate * posErr.At(i, j)
			wristPos.Set(i, j, wristPos.At(i, j)+step)
			k.state.RootLinVel[Wrist].Set(i, j, step/k.dt)
		}
	}

	angle := mat.NewVecDense(n, nil)
	axis := mat.NewDense(n, 3, nil)
	for i := 0; i < n; i++ {
		rx, ry, rz := rotErr.At(i, 0), rotErr.At(i, 1), rotErr.At(i, 2)
		norm := floatutils.Norm3(rx, ry, rz)
		angle.SetVec(i, k.servoRate*norm)
		if norm > 0 {
			axis.Set(i, 0, rx/norm)
			axis.Set(i, 1, ry/norm)
			axis.Set(i, 2, rz/norm)
		}
		for j := 0; j < 3; j++ {
			k.state.RootAngVel[Wrist].Set(i, j,
				k.servoRate*rotErr.At(i, j)/k.dt)
		}
	}
	delta := posemath.QuatFromAngleAxis(angle, axis)
	k.state.RootQuat[Wrist].Copy(posemath.QuatMul(delta, wristQuat))

	// Gripper joints track their targets directly
	if sig.TargetGripperDofPos != nil {
		offset := k.state.NumDofs - k.numGripperDofs
		for i := 0; i < n; i++ {
			for j := 0; j < k.numGripperDofs; j++ {
				target := sig.TargetGripperDofPos.At(i, j)
				cur := k.state.DofPos.At(i, offset+j)
				next := cur + k.servoRate*(target-cur)
				k.state.DofPos.Set(i, offset+j, next)
				k.state.DofVel.Set(i, offset+j, (next-cur)/k.dt)
			}
		}
	}

	// Objects are kinematically fixed between indexed writes
	for _, a := range []Actor{Nut, Bolt} {
		k.state.RootLinVel[a].Zero()
		k.state.RootAngVel[a].Zero()
	}

	return nil
}

// ReadState returns the canonical batched state
func (k *Kinematic) ReadState() *EnvState {
	return k.state
}

// WriteDofState commits joint state for the given environments only
func (k *Kinematic) WriteDofState(envIDs []int, pos, vel,
	ctrlTarget *mat.Dense) error {
	if err := validIndices(envIDs, k.state.NumEnvs); err != nil {
		return errors.Wrap(err, "writeDofState")
	}

	for _, id := range envIDs {
		for j := 0; j < k.state.NumDofs; j++ {
			k.state.DofPos.Set(id, j, pos.At(id, j))
			k.state.DofVel.Set(id, j, vel.At(id, j))
			k.state.CtrlTargetDofPos.Set(id, j, ctrlTarget.At(id, j))
		}
	}
	return nil
}

// WriteRootState commits root state of one actor for the given
// environments only
func (k *Kinematic) WriteRootState(actor Actor, envIDs []int, pos, quat,
	linVel, angVel *mat.Dense) error {
	if actor < 0 || actor >= NumActors {
		return errors.Errorf("writeRootState: no such actor %v", int(actor))
	}
	if err := validIndices(envIDs, k.state.NumEnvs); err != nil {
		return errors.Wrap(err, "writeRootState")
	}

	for _, id := range envIDs {
		for j := 0; j < 3; j++ {
			k.state.RootPos[actor].Set(id, j, pos.At(id, j))
			k.state.RootLinVel[actor].Set(id, j, linVel.At(id, j))
			k.state.RootAngVel[actor].Set(id, j, angVel.At(id, j))
		}
		for j := 0; j < 4; j++ {
			k.state.RootQuat[actor].Set(id, j, quat.At(id, j))
		}
	}
	return nil
}

// Render is a no-op: the kinematic backend has no viewer
func (k *Kinematic) Render() error {
	return nil
}
