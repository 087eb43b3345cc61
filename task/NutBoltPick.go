package task

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r1"
	"gonum.org/v1/gonum/stat/distmv"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/gofactory/control"
	"github.com/samuelfneumann/gofactory/sim"
	ts "github.com/samuelfneumann/gofactory/timestep"
)

// NutBoltPick is the vectorized nut-bolt pick task. It owns every
// derived quantity (keypoints, grasp frames, episode counters, reward
// buffers) and holds a non-owning reference to the simulation backend,
// which owns the raw physical state.
//
// Step never resets environments. It reports reset flags, and the
// driver must call ResetEnvs for the flagged subset before their next
// action is accepted.
type NutBoltPick struct {
	config     TaskConfig
	backend    sim.Backend
	controller *control.Controller

	// Episode buffers
	progress []int
	resetBuf []bool
	rewBuf   *mat.VecDense
	obsBuf   *mat.Dense
	servoErr *mat.VecDense
	number   int

	// Drive state committed by the action interpreter, consumed by
	// the next backend advance
	drive *sim.DriveSignal

	// Fixed geometric templates
	keypointOffsets   *mat.Dense
	nutGraspPosLocal  *mat.Dense
	nutGraspQuatLocal *mat.Dense
	identityQuat      *mat.Dense

	// Per-step derived tensors
	nutGraspPos          *mat.Dense
	nutGraspQuat         *mat.Dense
	keypointsGripper     *tensor.Dense
	keypointsNut         *tensor.Dense
	keypointsGripperData []float64
	keypointsNutData     []float64

	// Reset randomization
	nutNoise        *noiseSource
	boltNoise       *noiseSource
	gripperPosNoise *noiseSource
	gripperRotNoise *noiseSource
}

// New returns a NutBoltPick task driving the given backend. The
// backend must already hold numEnvs environments with the configured
// joint layout.
func New(config TaskConfig, backend sim.Backend) (*NutBoltPick, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("newNutBoltPick: %v", err)
	}
	if backend == nil {
		return nil, fmt.Errorf("newNutBoltPick: nil backend")
	}
	state := backend.ReadState()
	if state.NumEnvs != config.NumEnvs {
		return nil, fmt.Errorf("newNutBoltPick: backend holds %v "+
			"environments, config expects %v", state.NumEnvs, config.NumEnvs)
	}
	if state.NumDofs != config.NumDofs() {
		return nil, fmt.Errorf("newNutBoltPick: backend holds %v dofs, "+
			"config expects %v", state.NumDofs, config.NumDofs())
	}

	controller, err := control.New(config.Controller, config.NumEnvs)
	if err != nil {
		return nil, fmt.Errorf("newNutBoltPick: %v", err)
	}

	t := &NutBoltPick{
		config:          config,
		backend:         backend,
		controller:      controller,
		progress:        make([]int, config.NumEnvs),
		resetBuf:        make([]bool, config.NumEnvs),
		rewBuf:          mat.NewVecDense(config.NumEnvs, nil),
		obsBuf:          mat.NewDense(config.NumEnvs, ObsDim, nil),
		servoErr:        mat.NewVecDense(config.NumEnvs, nil),
		nutNoise:        newNoiseSource(2, config.Seed),
		boltNoise:       newNoiseSource(2, config.Seed+1),
		gripperPosNoise: newNoiseSource(3, config.Seed+2),
		gripperRotNoise: newNoiseSource(3, config.Seed+3),
	}
	t.acquireTaskTensors()
	t.refreshTaskTensors()

	return t, nil
}

// Step advances all environments by one timestep given a batch of
// policy actions. Within the step, actions are applied before physics
// advances, derived tensors are refreshed from the post-advance state,
// and rewards and reset flags are computed from the refreshed tensors.
func (t *NutBoltPick) Step(actions *mat.Dense) (ts.TimeStep, error) {
	action, err := NewAction(actions, t.config)
	if err != nil {
		return ts.TimeStep{}, fmt.Errorf("step: %v", err)
	}

	t.applyActionsAsCtrlTargets(action, true)
	if err := t.backend.Advance(t.drive); err != nil {
		return ts.TimeStep{}, fmt.Errorf("step: %v", err)
	}

	for i := range t.progress {
		t.progress[i]++
	}
	t.number++

	// Episode length is constant across the batch
	isLastStep := t.progress[0] == t.config.MaxEpisodeLength-1

	if t.config.CloseAndLift && isLastStep {
		if t.config.NumGripperCloseSimSteps > 0 {
			if err := t.closeGripper(
				t.config.NumGripperCloseSimSteps); err != nil {
				return ts.TimeStep{}, fmt.Errorf("step: %v", err)
			}
		}
		if err := t.liftGripper(t.config.LiftDistance,
			t.config.NumGripperLiftSimSteps); err != nil {
			return ts.TimeStep{}, fmt.Errorf("step: %v", err)
		}
	}

	t.refreshTaskTensors()
	t.computeObservations()
	t.updateResetBuf()
	successRate := t.updateRewBuf(action)

	stepType := ts.Mid
	if isLastStep {
		stepType = ts.Last
	}

	resetFlags := make([]bool, len(t.resetBuf))
	copy(resetFlags, t.resetBuf)

	step := ts.New(stepType, mat.VecDenseCopyOf(t.rewBuf),
		mat.DenseCopyOf(t.obsBuf), resetFlags, t.number)
	step.SuccessRate = successRate
	return step, nil
}

// computeObservations fills the observation buffer from the current
// derived tensors: wrist pose and velocities plus the nut grasp pose
func (t *NutBoltPick) computeObservations() {
	state := t.backend.ReadState()

	for i := 0; i < t.config.NumEnvs; i++ {
		col := 0
		col = copyRow(t.obsBuf, i, col, state.RootPos[sim.Wrist], 3)
		col = copyRow(t.obsBuf, i, col, state.RootQuat[sim.Wrist], 4)
		col = copyRow(t.obsBuf, i, col, state.RootLinVel[sim.Wrist], 3)
		col = copyRow(t.obsBuf, i, col, state.RootAngVel[sim.Wrist], 3)
		col = copyRow(t.obsBuf, i, col, t.nutGraspPos, 3)
		copyRow(t.obsBuf, i, col, t.nutGraspQuat, 4)
	}
}

// closeGripper drives the gripper fingers fully closed through the
// controller. Called outside the policy loop, after the last step of
// an episode.
func (t *NutBoltPick) closeGripper(simSteps int) error {
	return t.moveGripperToDofPos(0.0, simSteps)
}

// moveGripperToDofPos servoes the gripper fingers to the given joint
// position with no hand motion
func (t *NutBoltPick) moveGripperToDofPos(gripperDofPos float64,
	simSteps int) error {
	n := t.config.NumEnvs
	raw := mat.NewDense(n, t.config.NumActions(), nil)
	for i := 0; i < n; i++ {
		for j := 0; j < t.config.NumGripperDofs; j++ {
			raw.Set(i, t.config.NumActions()-t.config.NumGripperDofs+j,
				gripperDofPos)
		}
	}

	action, err := NewAction(raw, t.config)
	if err != nil {
		return fmt.Errorf("moveGripperToDofPos: %v", err)
	}
	t.applyActionsAsCtrlTargets(action, false)

	for step := 0; step < simSteps; step++ {
		if err := t.backend.Render(); err != nil {
			return fmt.Errorf("moveGripperToDofPos: %v", err)
		}
		if err := t.backend.Advance(t.drive); err != nil {
			return fmt.Errorf("moveGripperToDofPos: %v", err)
		}
	}
	return nil
}

// liftGripper raises the wrist by liftDistance through the controller.
// Called outside the policy loop, after the last step of an episode.
func (t *NutBoltPick) liftGripper(liftDistance float64, simSteps int) error {
	n := t.config.NumEnvs

	for step := 0; step < simSteps; step++ {
		raw := mat.NewDense(n, t.config.NumActions(), nil)
		for i := 0; i < n; i++ {
			raw.Set(i, 2, liftDistance)
		}

		action, err := NewAction(raw, t.config)
		if err != nil {
			return fmt.Errorf("liftGripper: %v", err)
		}
		t.applyActionsAsCtrlTargets(action, false)

		if err := t.backend.Advance(t.drive); err != nil {
			return fmt.Errorf("liftGripper: %v", err)
		}
		if err := t.backend.Render(); err != nil {
			return fmt.Errorf("liftGripper: %v", err)
		}
	}
	return nil
}

// Progress returns a copy of the per-environment episode step counters
func (t *NutBoltPick) Progress() []int {
	progress := make([]int, len(t.progress))
	copy(progress, t.progress)
	return progress
}

// ResetFlags returns a copy of the per-environment reset flags
func (t *NutBoltPick) ResetFlags() []bool {
	flags := make([]bool, len(t.resetBuf))
	copy(flags, t.resetBuf)
	return flags
}

// FlaggedEnvs returns the indices of environments currently flagged
// for reset
func (t *NutBoltPick) FlaggedEnvs() []int {
	var ids []int
	for i, flagged := range t.resetBuf {
		if flagged {
			ids = append(ids, i)
		}
	}
	return ids
}

// Keypoints returns the world-frame keypoint caches for the gripper
// and the nut grasp frame, each of shape (N, K, 3). The tensors are
// views over the task's buffers and are overwritten by the next
// refresh.
func (t *NutBoltPick) Keypoints() (gripper, nut *tensor.Dense) {
	return t.keypointsGripper, t.keypointsNut
}

// ServoError returns a copy of the final pose error of each
// environment's last reset servo phase, a convergence diagnostic
func (t *NutBoltPick) ServoError() *mat.VecDense {
	return mat.VecDenseCopyOf(t.servoErr)
}

// NumActions returns the action vector width accepted by Step
func (t *NutBoltPick) NumActions() int {
	return t.config.NumActions()
}

// ObservationSpec returns the observation layout: unbounded continuous
// vectors of ObsDim features per environment
func (t *NutBoltPick) ObservationSpec() (shape, lower, upper *mat.VecDense) {
	shape = mat.NewVecDense(ObsDim, nil)
	lower = mat.NewVecDense(ObsDim, nil)
	upper = mat.NewVecDense(ObsDim, nil)
	for i := 0; i < ObsDim; i++ {
		lower.SetVec(i, math.Inf(-1))
		upper.SetVec(i, math.Inf(1))
	}
	return shape, lower, upper
}

// noiseSource draws uniform samples in [-1, 1] per axis
type noiseSource struct {
	rng *distmv.Uniform
}

func newNoiseSource(dim int, seed uint64) *noiseSource {
	bounds := make([]r1.Interval, dim)
	for i := range bounds {
		bounds[i] = r1.Interval{Min: -1.0, Max: 1.0}
	}
	return &noiseSource{distmv.NewUniform(bounds, rand.NewSource(seed))}
}

func (s *noiseSource) sample() []float64 {
	return s.rng.Rand(nil)
}

// copyRow copies width columns of src's row i into dst starting at
// column col, returning the next free column
func copyRow(dst *mat.Dense, i, col int, src *mat.Dense, width int) int {
	for j := 0; j < width; j++ {
		dst.Set(i, col+j, src.At(i, j))
	}
	return col + width
}
