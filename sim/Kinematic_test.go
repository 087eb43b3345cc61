package sim

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/samuelfneumann/gofactory/posemath"
)

func TestNewKinematicRejectsBadArguments(t *testing.T) {
	if _, err := NewKinematic(0, 9, 2, 0.2); err == nil {
		t.Error("expected an error for zero environments")
	}
	if _, err := NewKinematic(4, 2, 3, 0.2); err == nil {
		t.Error("expected an error for more gripper dofs than dofs")
	}
	if _, err := NewKinematic(4, 9, 2, 1.5); err == nil {
		t.Error("expected an error for a servo rate above 1")
	}
}

func TestAdvanceConverges(t *testing.T) {
	const n = 4
	k, err := NewKinematic(n, 9, 2, 0.3)
	if err != nil {
		t.Fatalf("newKinematic: %v", err)
	}

	targetPos := mat.NewDense(n, 3, nil)
	for i := 0; i < n; i++ {
		targetPos.Set(i, 0, 0.2)
		targetPos.Set(i, 2, 0.5)
	}
	angle := mat.NewVecDense(n, nil)
	axis := mat.NewDense(n, 3, nil)
	for i := 0; i < n; i++ {
		angle.SetVec(i, 0.8)
		axis.Set(i, 1, 1.0)
	}
	sig := &DriveSignal{
		TargetWristPos:      targetPos,
		TargetWristQuat:     posemath.QuatFromAngleAxis(angle, axis),
		TargetGripperDofPos: mat.NewDense(n, 2, nil),
	}

	for step := 0; step < 60; step++ {
		if err := k.Advance(sig); err != nil {
			t.Fatalf("advance: %v", err)
		}
	}

	state := k.ReadState()
	posErr, rotErr := posemath.PoseError(state.RootPos[Wrist],
		state.RootQuat[Wrist], sig.TargetWristPos, sig.TargetWristQuat,
		posemath.AxisAngle)
	for i := 0; i < n; i++ {
		for j := 0; j < 3; j++ {
			if math.Abs(posErr.At(i, j)) > 1e-6 {
				t.Errorf("row %v: position error %v did not converge",
					i, posErr.At(i, j))
			}
			if math.Abs(rotErr.At(i, j)) > 1e-6 {
				t.Errorf("row %v: rotation error %v did not converge",
					i, rotErr.At(i, j))
			}
		}
	}
}

func TestAdvanceRejectsBadSignal(t *testing.T) {
	k, err := NewKinematic(4, 9, 2, 0.3)
	if err != nil {
		t.Fatalf("newKinematic: %v", err)
	}

	if err := k.Advance(nil); err == nil {
		t.Error("expected an error for a nil drive signal")
	}

	sig := &DriveSignal{
		TargetWristPos:      mat.NewDense(2, 3, nil),
		TargetWristQuat:     posemath.IdentityQuat(2),
		TargetGripperDofPos: mat.NewDense(2, 2, nil),
	}
	if err := k.Advance(sig); err == nil {
		t.Error("expected an error for a mismatched batch size")
	}
}

func TestWriteRootStateIndexed(t *testing.T) {
	const n = 4
	k, err := NewKinematic(n, 9, 2, 0.3)
	if err != nil {
		t.Fatalf("newKinematic: %v", err)
	}

	pos := mat.NewDense(n, 3, nil)
	for i := 0; i < n; i++ {
		pos.Set(i, 2, 0.9)
	}
	quat := posemath.IdentityQuat(n)
	vel := mat.NewDense(n, 3, nil)

	if err := k.WriteRootState(Nut, []int{1, 3}, pos, quat, vel,
		vel); err != nil {
		t.Fatalf("writeRootState: %v", err)
	}

	state := k.ReadState()
	for i := 0; i < n; i++ {
		expected := 0.0
		if i == 1 || i == 3 {
			expected = 0.9
		}
		if state.RootPos[Nut].At(i, 2) != expected {
			t.Errorf("row %v: nut height %v, expected %v", i,
				state.RootPos[Nut].At(i, 2), expected)
		}
	}
}

func TestWriteStateRejectsBadIndices(t *testing.T) {
	k, err := NewKinematic(4, 9, 2, 0.3)
	if err != nil {
		t.Fatalf("newKinematic: %v", err)
	}

	zeros := mat.NewDense(4, 9, nil)
	if err := k.WriteDofState([]int{4}, zeros, zeros, zeros); err == nil {
		t.Error("expected an error for an out-of-range index")
	}

	pos := mat.NewDense(4, 3, nil)
	quat := posemath.IdentityQuat(4)
	if err := k.WriteRootState(NumActors, []int{0}, pos, quat, pos,
		pos); err == nil {
		t.Error("expected an error for an unknown actor")
	}
}
