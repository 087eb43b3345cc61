package task

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/samuelfneumann/gofactory/posemath"
	"github.com/samuelfneumann/gofactory/sim"
	"github.com/samuelfneumann/gofactory/utils/floatutils"
)

// ResetEnvs resets the environments in envIDs: robot joint state is
// restored to the configured initial pose, nut and bolt poses are
// re-randomized, and the gripper is servoed to a randomized wrist pose
// through the normal control path before control returns to the
// policy. Environments outside envIDs are left untouched.
func (t *NutBoltPick) ResetEnvs(envIDs []int) error {
	if len(envIDs) == 0 {
		return nil
	}
	for _, id := range envIDs {
		if id < 0 || id >= t.config.NumEnvs {
			return fmt.Errorf("resetEnvs: environment index %v out of "+
				"range [0, %v)", id, t.config.NumEnvs)
		}
	}

	// The servo phase advances the whole batch, so environments not
	// being reset are held at their pose and restored afterwards
	snapshot := t.backend.ReadState().Clone()

	if err := t.resetRobot(envIDs); err != nil {
		return fmt.Errorf("resetEnvs: %v", err)
	}
	if err := t.resetObjects(envIDs); err != nil {
		return fmt.Errorf("resetEnvs: %v", err)
	}
	if err := t.randomizeGripperPose(envIDs, snapshot,
		t.config.NumGripperMoveSimSteps); err != nil {
		return fmt.Errorf("resetEnvs: %v", err)
	}

	if err := t.restoreUntouched(envIDs, snapshot); err != nil {
		return fmt.Errorf("resetEnvs: %v", err)
	}

	t.resetBuffers(envIDs)
	return nil
}

// resetRobot restores joint positions to the configured initial pose,
// zeroes joint velocities, and snaps the joint control target onto the
// new pose so control resumes without a transient error
func (t *NutBoltPick) resetRobot(envIDs []int) error {
	n := t.config.NumEnvs
	numDofs := t.config.NumDofs()

	initial := make([]float64, numDofs)
	copy(initial, t.config.Randomize.ArmInitialDofPos)
	copy(initial[t.config.NumArmDofs:], t.config.Randomize.HandInitialDofPos)

	pos := mat.NewDense(n, numDofs, nil)
	vel := mat.NewDense(n, numDofs, nil)
	for _, id := range envIDs {
		pos.SetRow(id, initial)
	}

	return t.backend.WriteDofState(envIDs, pos, vel, pos)
}

// resetObjects re-randomizes nut and bolt root states. XY noise is
// uniform in [-1, 1] scaled per axis. The nut rests at bolt-head
// height above the table; the bolt sits on the table surface.
func (t *NutBoltPick) resetObjects(envIDs []int) error {
	nutZ := t.config.TableHeight + t.config.BoltHeadHeight
	err := t.resetObject(sim.Nut, envIDs, t.config.Randomize.NutPosXYInitial,
		t.config.Randomize.NutPosXYInitialNoise, nutZ, t.nutNoise)
	if err != nil {
		return err
	}

	return t.resetObject(sim.Bolt, envIDs, t.config.Randomize.BoltPosXYInitial,
		t.config.Randomize.BoltPosXYNoise, t.config.TableHeight, t.boltNoise)
}

func (t *NutBoltPick) resetObject(actor sim.Actor, envIDs []int, initial,
	noise []float64, z float64, rng *noiseSource) error {
	n := t.config.NumEnvs

	pos := mat.NewDense(n, 3, nil)
	quat := posemath.IdentityQuat(n)
	zeroVel := mat.NewDense(n, 3, nil)

	for _, id := range envIDs {
		sample := rng.sample()
		pos.Set(id, 0, initial[0]+sample[0]*noise[0])
		pos.Set(id, 1, initial[1]+sample[1]*noise[1])
		pos.Set(id, 2, z)
	}

	return t.backend.WriteRootState(actor, envIDs, pos, quat, zeroVel,
		zeroVel)
}

// randomizeGripperPose servoes the gripper of the environments being
// reset toward a randomized wrist pose. Each sub-step recomputes the
// pose error and feeds it unscaled through the action path, so the
// settled pose is reached through the same control law used during
// normal operation. The loop is best-effort: after the fixed step
// budget the final pose error is recorded as a diagnostic and the
// reset proceeds regardless.
func (t *NutBoltPick) randomizeGripperPose(envIDs []int,
	snapshot *sim.EnvState, simSteps int) error {
	n := t.config.NumEnvs

	// Randomized targets for resetting environments; held poses for
	// the rest
	targetPos := mat.DenseCopyOf(snapshot.RootPos[sim.Wrist])
	targetQuat := mat.DenseCopyOf(snapshot.RootQuat[sim.Wrist])

	posInitial := t.config.Randomize.FingertipMidpointPosInitial
	posNoise := t.config.Randomize.FingertipMidpointPosNoise
	rotInitial := t.config.Randomize.FingertipMidpointRotInitial
	rotNoise := t.config.Randomize.FingertipMidpointRotNoise

	roll := mat.NewVecDense(n, nil)
	pitch := mat.NewVecDense(n, nil)
	yaw := mat.NewVecDense(n, nil)
	for _, id := range envIDs {
		posSample := t.gripperPosNoise.sample()
		targetPos.Set(id, 0, posInitial[0]+posSample[0]*posNoise[0])
		targetPos.Set(id, 1, posInitial[1]+posSample[1]*posNoise[1])
		targetPos.Set(id, 2, t.config.TableHeight+posInitial[2]+
			posSample[2]*posNoise[2])

		rotSample := t.gripperRotNoise.sample()
		roll.SetVec(id, rotInitial[0]+rotSample[0]*rotNoise[0])
		pitch.SetVec(id, rotInitial[1]+rotSample[1]*rotNoise[1])
		yaw.SetVec(id, rotInitial[2]+rotSample[2]*rotNoise[2])
	}
	randomQuat := posemath.QuatFromEuler(roll, pitch, yaw)
	for _, id := range envIDs {
		targetQuat.SetRow(id, randomQuat.RawRowView(id))
	}

	numActions := t.config.NumActions()
	for step := 0; step < simSteps; step++ {
		t.refreshTaskTensors()

		state := t.backend.ReadState()
		posErr, axisAngleErr := posemath.PoseError(state.RootPos[sim.Wrist],
			state.RootQuat[sim.Wrist], targetPos, targetQuat,
			posemath.AxisAngle)

		raw := mat.NewDense(n, numActions, nil)
		for i := 0; i < n; i++ {
			for j := 0; j < 3; j++ {
				raw.Set(i, j, posErr.At(i, j))
				raw.Set(i, j+3, axisAngleErr.At(i, j))
			}
		}

		action, err := NewAction(raw, t.config)
		if err != nil {
			return fmt.Errorf("randomizeGripperPose: %v", err)
		}
		t.applyActionsAsCtrlTargets(action, false)

		if err := t.backend.Advance(t.drive); err != nil {
			return fmt.Errorf("randomizeGripperPose: %v", err)
		}
		if err := t.backend.Render(); err != nil {
			return fmt.Errorf("randomizeGripperPose: %v", err)
		}
	}

	// Convergence is not guaranteed within the step budget; expose
	// the remaining error instead of discarding it
	state := t.backend.ReadState()
	finalPosErr, finalRotErr := posemath.PoseError(state.RootPos[sim.Wrist],
		state.RootQuat[sim.Wrist], targetPos, targetQuat, posemath.AxisAngle)
	for _, id := range envIDs {
		t.servoErr.SetVec(id, floatutils.Norm3(finalPosErr.At(id, 0),
			finalPosErr.At(id, 1), finalPosErr.At(id, 2))+
			floatutils.Norm3(finalRotErr.At(id, 0), finalRotErr.At(id, 1),
				finalRotErr.At(id, 2)))
	}

	// Settle: zero joint velocities of the reset environments
	vel := mat.NewDense(n, t.config.NumDofs(), nil)
	return t.backend.WriteDofState(envIDs, state.DofPos, vel,
		state.CtrlTargetDofPos)
}

// restoreUntouched writes the pre-reset state back into every
// environment that was not being reset, so that a partial reset leaves
// the rest of the batch exactly as it found it
func (t *NutBoltPick) restoreUntouched(envIDs []int,
	snapshot *sim.EnvState) error {
	resetting := make([]bool, t.config.NumEnvs)
	for _, id := range envIDs {
		resetting[id] = true
	}
	untouched := make([]int, 0, t.config.NumEnvs-len(envIDs))
	for i := 0; i < t.config.NumEnvs; i++ {
		if !resetting[i] {
			untouched = append(untouched, i)
		}
	}
	if len(untouched) == 0 {
		return nil
	}

	err := t.backend.WriteDofState(untouched, snapshot.DofPos,
		snapshot.DofVel, snapshot.CtrlTargetDofPos)
	if err != nil {
		return err
	}
	for a := sim.Actor(0); a < sim.NumActors; a++ {
		err = t.backend.WriteRootState(a, untouched, snapshot.RootPos[a],
			snapshot.RootQuat[a], snapshot.RootLinVel[a],
			snapshot.RootAngVel[a])
		if err != nil {
			return err
		}
	}
	return nil
}

// resetBuffers clears the episode counters of the reset environments
// only
func (t *NutBoltPick) resetBuffers(envIDs []int) {
	for _, id := range envIDs {
		t.progress[id] = 0
		t.resetBuf[id] = false
	}
}
