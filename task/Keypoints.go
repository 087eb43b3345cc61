package task

import (
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/gofactory/posemath"
	"github.com/samuelfneumann/gofactory/sim"
	"github.com/samuelfneumann/gofactory/utils/floatutils"
)

// keypointOffsets returns num uniformly-spaced keypoints along a line
// of unit length on the z axis, centered at 0
func keypointOffsets(num int) *mat.Dense {
	offsets := mat.NewDense(num, 3, nil)
	for k := 0; k < num; k++ {
		offsets.Set(k, 2, float64(k)/float64(num-1)-0.5)
	}
	return offsets
}

// acquireTaskTensors allocates the fixed geometric templates and the
// per-step keypoint caches. The keypoint template and the nut grasp
// frame offset are invariant after this call.
func (t *NutBoltPick) acquireTaskTensors() {
	n := t.config.NumEnvs
	k := t.config.NumKeypoints

	// Grasp frame: nut centre of mass, bolt-head height plus half the
	// nut height above the nut root, flipped to face the gripper
	graspHeight := t.config.BoltHeadHeight + t.config.NutHeight*0.5
	t.nutGraspPosLocal = mat.NewDense(n, 3, nil)
	t.nutGraspQuatLocal = mat.NewDense(n, 4, nil)
	for i := 0; i < n; i++ {
		t.nutGraspPosLocal.Set(i, 2, graspHeight)
		t.nutGraspQuatLocal.Set(i, 1, 1.0)
	}

	offsets := keypointOffsets(k)
	offsets.Scale(t.config.KeypointScale, offsets)
	t.keypointOffsets = offsets

	t.keypointsGripperData = make([]float64, n*k*3)
	t.keypointsNutData = make([]float64, n*k*3)
	t.keypointsGripper = tensor.New(tensor.WithShape(n, k, 3),
		tensor.WithBacking(t.keypointsGripperData))
	t.keypointsNut = tensor.New(tensor.WithShape(n, k, 3),
		tensor.WithBacking(t.keypointsNutData))

	t.identityQuat = posemath.IdentityQuat(n)
}

// refreshTaskTensors recomputes the nut grasp pose and the world-frame
// keypoint caches from the current backend state. It must run exactly
// once per physics step, after the backend advances and before reward
// computation; rewards computed against stale keypoints would measure
// the previous timestep's geometry.
func (t *NutBoltPick) refreshTaskTensors() {
	state := t.backend.ReadState()
	n := t.config.NumEnvs
	k := t.config.NumKeypoints

	t.nutGraspQuat, t.nutGraspPos = posemath.TfCombine(
		state.RootQuat[sim.Nut], state.RootPos[sim.Nut],
		t.nutGraspQuatLocal, t.nutGraspPosLocal)

	offsetRows := mat.NewDense(n, 3, nil)
	for idx := 0; idx < k; idx++ {
		for i := 0; i < n; i++ {
			offsetRows.SetRow(i, t.keypointOffsets.RawRowView(idx))
		}

		_, gripperPos := posemath.TfCombine(state.RootQuat[sim.Wrist],
			state.RootPos[sim.Wrist], t.identityQuat, offsetRows)
		_, nutPos := posemath.TfCombine(t.nutGraspQuat, t.nutGraspPos,
			t.identityQuat, offsetRows)

		for i := 0; i < n; i++ {
			base := (i*k + idx) * 3
			for j := 0; j < 3; j++ {
				t.keypointsGripperData[base+j] = gripperPos.At(i, j)
				t.keypointsNutData[base+j] = nutPos.At(i, j)
			}
		}
	}
}

// keypointDist returns the per-environment keypoint distance: the sum
// over keypoints of the Euclidean distance between corresponding nut
// and gripper keypoints
func (t *NutBoltPick) keypointDist() *mat.VecDense {
	n := t.config.NumEnvs
	k := t.config.NumKeypoints

	dist := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		total := 0.0
		for idx := 0; idx < k; idx++ {
			base := (i*k + idx) * 3
			dx := t.keypointsNutData[base] - t.keypointsGripperData[base]
			dy := t.keypointsNutData[base+1] - t.keypointsGripperData[base+1]
			dz := t.keypointsNutData[base+2] - t.keypointsGripperData[base+2]
			total += floatutils.Norm3(dx, dy, dz)
		}
		dist.SetVec(i, total)
	}
	return dist
}
