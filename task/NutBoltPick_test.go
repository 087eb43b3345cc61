package task

import (
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/samuelfneumann/gofactory/sim"
)

// newTestTask constructs a task over a kinematic backend, applying
// overrides to the config before validation
func newTestTask(t *testing.T, numEnvs, maxEpisodeLength int,
	overrides func(*TaskConfig)) (*NutBoltPick, *sim.Kinematic) {
	t.Helper()

	config := TaskConfig{
		NumEnvs:          numEnvs,
		MaxEpisodeLength: maxEpisodeLength,
		Seed:             4242,
	}
	if overrides != nil {
		overrides(&config)
	}
	if err := config.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	backend, err := sim.NewKinematic(config.NumEnvs, config.NumDofs(),
		config.NumGripperDofs, 0.3)
	if err != nil {
		t.Fatalf("newKinematic: %v", err)
	}

	task, err := New(config, backend)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return task, backend
}

func matCopy(m *mat.Dense) *mat.Dense {
	return mat.DenseCopyOf(m)
}

func zeroActions(tk *NutBoltPick) *mat.Dense {
	return mat.NewDense(tk.config.NumEnvs, tk.config.NumActions(), nil)
}

func TestEpisodeTermination(t *testing.T) {
	tk, _ := newTestTask(t, 4, 3, nil)
	actions := zeroActions(tk)

	// Two steps in: every progress counter reads 2 and no reset has
	// fired yet... the second step is the terminal one, so flags fire
	// there
	if _, err := tk.Step(actions); err != nil {
		t.Fatalf("step 1: %v", err)
	}
	for i, p := range tk.Progress() {
		if p != 1 {
			t.Errorf("after step 1: env %v progress %v, expected 1", i, p)
		}
	}
	for i, flagged := range tk.ResetFlags() {
		if flagged {
			t.Errorf("after step 1: env %v flagged early", i)
		}
	}

	step2, err := tk.Step(actions)
	if err != nil {
		t.Fatalf("step 2: %v", err)
	}
	if !step2.Last() {
		t.Error("step 2 should be the terminal step")
	}

	// Immediately before the third step
	for i, p := range tk.Progress() {
		if p != 2 {
			t.Errorf("before step 3: env %v progress %v, expected 2", i, p)
		}
	}

	step3, err := tk.Step(actions)
	if err != nil {
		t.Fatalf("step 3: %v", err)
	}
	for i, flagged := range step3.Reset {
		if !flagged {
			t.Errorf("after step 3: env %v not flagged for reset", i)
		}
	}
}

func TestResetIsolation(t *testing.T) {
	tk, backend := newTestTask(t, 4, 16, nil)
	actions := zeroActions(tk)

	for i := 0; i < 3; i++ {
		if _, err := tk.Step(actions); err != nil {
			t.Fatalf("step: %v", err)
		}
	}

	snapshot := backend.ReadState().Clone()
	progressBefore := tk.Progress()

	if err := tk.ResetEnvs([]int{0, 1}); err != nil {
		t.Fatalf("resetEnvs: %v", err)
	}

	state := backend.ReadState()
	for _, i := range []int{2, 3} {
		for j := 0; j < state.NumDofs; j++ {
			if state.DofPos.At(i, j) != snapshot.DofPos.At(i, j) ||
				state.DofVel.At(i, j) != snapshot.DofVel.At(i, j) ||
				state.CtrlTargetDofPos.At(i, j) !=
					snapshot.CtrlTargetDofPos.At(i, j) {
				t.Errorf("env %v dof %v changed by a reset of other envs",
					i, j)
			}
		}
		for a := sim.Actor(0); a < sim.NumActors; a++ {
			for j := 0; j < 3; j++ {
				if state.RootPos[a].At(i, j) != snapshot.RootPos[a].At(i, j) ||
					state.RootLinVel[a].At(i, j) !=
						snapshot.RootLinVel[a].At(i, j) ||
					state.RootAngVel[a].At(i, j) !=
						snapshot.RootAngVel[a].At(i, j) {
					t.Errorf("env %v actor %v position or velocity changed",
						i, a)
				}
			}
			for j := 0; j < 4; j++ {
				if state.RootQuat[a].At(i, j) !=
					snapshot.RootQuat[a].At(i, j) {
					t.Errorf("env %v actor %v orientation changed", i, a)
				}
			}
		}
		if tk.Progress()[i] != progressBefore[i] {
			t.Errorf("env %v progress changed by a reset of other envs", i)
		}
	}

	// The reset environments start a fresh episode
	for _, i := range []int{0, 1} {
		if tk.Progress()[i] != 0 {
			t.Errorf("env %v progress %v after reset, expected 0", i,
				tk.Progress()[i])
		}
		if tk.ResetFlags()[i] {
			t.Errorf("env %v still flagged after reset", i)
		}
	}
}

func TestResetServoConverges(t *testing.T) {
	tk, _ := newTestTask(t, 4, 16, nil)

	if err := tk.ResetEnvs([]int{0, 1, 2, 3}); err != nil {
		t.Fatalf("resetEnvs: %v", err)
	}

	servoErr := tk.ServoError()
	for i := 0; i < 4; i++ {
		if servoErr.AtVec(i) > 1e-3 {
			t.Errorf("env %v: servo phase left pose error %v", i,
				servoErr.AtVec(i))
		}
	}
}

func TestResetRestoresRobotPose(t *testing.T) {
	initialArm := []float64{0.1, -0.2, 0.3, -0.4, 0.5, -0.6, 0.7}
	tk, backend := newTestTask(t, 2, 16, func(c *TaskConfig) {
		c.Randomize.ArmInitialDofPos = initialArm
	})

	if _, err := tk.Step(zeroActions(tk)); err != nil {
		t.Fatalf("step: %v", err)
	}
	if err := tk.ResetEnvs([]int{0, 1}); err != nil {
		t.Fatalf("resetEnvs: %v", err)
	}

	state := backend.ReadState()
	for i := 0; i < 2; i++ {
		for j := 0; j < len(initialArm); j++ {
			if state.DofPos.At(i, j) != initialArm[j] {
				t.Errorf("env %v arm dof %v: got %v, expected %v", i, j,
					state.DofPos.At(i, j), initialArm[j])
			}
		}
		for j := 0; j < state.NumDofs; j++ {
			if state.DofVel.At(i, j) != 0 {
				t.Errorf("env %v dof %v velocity %v not zeroed", i, j,
					state.DofVel.At(i, j))
			}
		}
	}
}

func TestObjectResetPlacement(t *testing.T) {
	tk, backend := newTestTask(t, 8, 16, nil)

	if err := tk.ResetEnvs([]int{0, 1, 2, 3, 4, 5, 6, 7}); err != nil {
		t.Fatalf("resetEnvs: %v", err)
	}

	state := backend.ReadState()
	nutZ := tk.config.TableHeight + tk.config.BoltHeadHeight
	for i := 0; i < 8; i++ {
		if state.RootPos[sim.Nut].At(i, 2) != nutZ {
			t.Errorf("env %v: nut height %v, expected %v", i,
				state.RootPos[sim.Nut].At(i, 2), nutZ)
		}
		if state.RootPos[sim.Bolt].At(i, 2) != tk.config.TableHeight {
			t.Errorf("env %v: bolt height %v, expected %v", i,
				state.RootPos[sim.Bolt].At(i, 2), tk.config.TableHeight)
		}

		// XY noise stays within the configured magnitudes
		for j := 0; j < 2; j++ {
			nutDelta := state.RootPos[sim.Nut].At(i, j) -
				tk.config.Randomize.NutPosXYInitial[j]
			if nutDelta < -tk.config.Randomize.NutPosXYInitialNoise[j] ||
				nutDelta > tk.config.Randomize.NutPosXYInitialNoise[j] {
				t.Errorf("env %v: nut axis %v offset %v exceeds noise "+
					"magnitude", i, j, nutDelta)
			}
		}

		for j := 0; j < 3; j++ {
			if state.RootLinVel[sim.Nut].At(i, j) != 0 ||
				state.RootAngVel[sim.Nut].At(i, j) != 0 {
				t.Errorf("env %v: nut velocity not zeroed", i)
			}
		}
	}
}

func TestRotationDeadZone(t *testing.T) {
	// A rotation delta below the clamp threshold must leave the wrist
	// orientation untouched rather than apply a near-zero rotation
	tk, backend := newTestTask(t, 1, 16, func(c *TaskConfig) {
		c.ClampRot = true
		c.ClampRotThresh = 0.05
	})

	actions := zeroActions(tk)
	actions.Set(0, 3, 0.3) // scaled by 0.1: angle 0.03, below threshold
	if _, err := tk.Step(actions); err != nil {
		t.Fatalf("step: %v", err)
	}

	quat := backend.ReadState().RootQuat[sim.Wrist]
	identity := []float64{0, 0, 0, 1}
	for j := 0; j < 4; j++ {
		if quat.At(0, j) != identity[j] {
			t.Errorf("wrist quaternion component %v moved to %v inside "+
				"the dead zone", j, quat.At(0, j))
		}
	}

	// The same action without the clamp rotates the wrist
	tk2, backend2 := newTestTask(t, 1, 16, nil)
	if _, err := tk2.Step(actions); err != nil {
		t.Fatalf("step: %v", err)
	}
	quat2 := backend2.ReadState().RootQuat[sim.Wrist]
	moved := false
	for j := 0; j < 4; j++ {
		if quat2.At(0, j) != identity[j] {
			moved = true
		}
	}
	if !moved {
		t.Error("wrist quaternion should rotate when the clamp is off")
	}
}

func TestObservationLayout(t *testing.T) {
	tk, backend := newTestTask(t, 2, 16, nil)

	step, err := tk.Step(zeroActions(tk))
	if err != nil {
		t.Fatalf("step: %v", err)
	}

	rows, cols := step.Observation.Dims()
	if rows != 2 || cols != ObsDim {
		t.Fatalf("observation shape (%v x %v), expected (2 x %v)", rows,
			cols, ObsDim)
	}

	// First three features are the wrist position
	state := backend.ReadState()
	for i := 0; i < 2; i++ {
		for j := 0; j < 3; j++ {
			if step.Observation.At(i, j) !=
				state.RootPos[sim.Wrist].At(i, j) {
				t.Errorf("env %v observation feature %v does not match "+
					"the wrist position", i, j)
			}
		}
	}
}

func TestActionValidation(t *testing.T) {
	tk, _ := newTestTask(t, 2, 16, nil)

	bad := mat.NewDense(2, tk.config.NumActions()+1, nil)
	if _, err := tk.Step(bad); err == nil {
		t.Error("expected an error for a wrong action width")
	}

	bad = mat.NewDense(3, tk.config.NumActions(), nil)
	if _, err := tk.Step(bad); err == nil {
		t.Error("expected an error for a wrong batch size")
	}
}

func TestForceControlActionLayout(t *testing.T) {
	tk, _ := newTestTask(t, 2, 16, func(c *TaskConfig) {
		c.Controller.DoForceCtrl = true
	})

	if tk.NumActions() != 6+6+tk.config.NumGripperDofs {
		t.Errorf("expected %v actions with force control, got %v",
			6+6+tk.config.NumGripperDofs, tk.NumActions())
	}

	raw := mat.NewDense(2, tk.NumActions(), nil)
	raw.Set(0, 6, 0.5)  // force x
	raw.Set(0, 11, 0.2) // torque z
	action, err := NewAction(raw, tk.config)
	if err != nil {
		t.Fatalf("newAction: %v", err)
	}
	if action.Force.At(0, 0) != 0.5 {
		t.Errorf("force x: got %v, expected 0.5", action.Force.At(0, 0))
	}
	if action.Torque.At(0, 2) != 0.2 {
		t.Errorf("torque z: got %v, expected 0.2", action.Torque.At(0, 2))
	}

	if _, err := tk.Step(raw); err != nil {
		t.Fatalf("step with force control: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	config := TaskConfig{MaxEpisodeLength: 8}
	if err := config.Validate(); err == nil {
		t.Error("expected an error for missing numEnvs")
	}

	config = TaskConfig{NumEnvs: 4}
	if err := config.Validate(); err == nil {
		t.Error("expected an error for missing maxEpisodeLength")
	}

	config = TaskConfig{NumEnvs: 4, MaxEpisodeLength: 8,
		PosActionScale: []float64{0.1}}
	if err := config.Validate(); err == nil {
		t.Error("expected an error for a wrong-length action scale")
	}

	config = TaskConfig{NumEnvs: 4, MaxEpisodeLength: 8}
	config.Randomize.ArmInitialDofPos = []float64{0.0}
	if err := config.Validate(); err == nil {
		t.Error("expected an error for a wrong-length initial dof pose")
	}
}
