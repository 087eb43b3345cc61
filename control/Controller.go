// Package control maps desired end-effector pose and wrench targets
// into low-level drive signals for a simulation backend. The mapping
// from task-space commands to joint torques or position targets is
// backend-specific; the controller's contract ends at producing a
// well-formed drive signal.
package control

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r1"

	"github.com/samuelfneumann/gofactory/posemath"
	"github.com/samuelfneumann/gofactory/sim"
	"github.com/samuelfneumann/gofactory/utils/floatutils"
)

// JacobianType selects the jacobian a backend should use when mapping
// task-space commands to joint space
type JacobianType string

const (
	Geometric JacobianType = "geometric"
	Analytic  JacobianType = "analytic"
)

// Default proportional gains for the six task-space axes
var defaultTaskPropGains = []float64{100.0, 100.0, 100.0, 50.0, 50.0, 50.0}

// Config configures a Controller. A malformed Config is a fatal
// startup error.
type Config struct {
	JacobianType JacobianType `json:"jacobian_type"`
	DoForceCtrl  bool         `json:"do_force_ctrl"`

	// Proportional gains applied to the six task-space error axes
	// (x, y, z, roll, pitch, yaw)
	TaskPropGains []float64 `json:"task_prop_gains"`

	// Bounds applied element-wise to the task-space command
	CommandBound float64 `json:"command_bound"`
}

// Validate fills defaults and reports malformed options
func (c *Config) Validate() error {
	if c.JacobianType == "" {
		c.JacobianType = Geometric
	}
	if c.JacobianType != Geometric && c.JacobianType != Analytic {
		return fmt.Errorf("validate: no such jacobian type %v",
			c.JacobianType)
	}

	if c.TaskPropGains == nil {
		c.TaskPropGains = append([]float64(nil), defaultTaskPropGains...)
	}
	if len(c.TaskPropGains) != 6 {
		return fmt.Errorf("validate: expected 6 task-space gains, got %v",
			len(c.TaskPropGains))
	}
	for i, g := range c.TaskPropGains {
		if g <= 0 {
			return fmt.Errorf("validate: task-space gain %v must be "+
				"positive, got %v", i, g)
		}
	}

	if c.CommandBound == 0 {
		c.CommandBound = 1000.0
	}
	if c.CommandBound < 0 {
		return fmt.Errorf("validate: command bound must be positive, got %v",
			c.CommandBound)
	}
	return nil
}

// RotErrorType returns the rotational error representation implied by
// the configured jacobian type
func (c Config) RotErrorType() posemath.RotErrorType {
	if c.JacobianType == Analytic {
		return posemath.Quat
	}
	return posemath.AxisAngle
}

// Target is the desired control state for one step: wrist pose, an
// optional contact wrench, and gripper joint positions. Targets are
// recomputed from the current action every step and never persisted.
type Target struct {
	WristPos      *mat.Dense // (N x 3)
	WristQuat     *mat.Dense // (N x 4)
	Wrench        *mat.Dense // (N x 6), nil when force control is off
	GripperDofPos *mat.Dense // (N x gripper dofs)
}

// Controller converts Targets into drive signals
type Controller struct {
	config  Config
	numEnvs int
	bounds  r1.Interval
}

// New returns a Controller for batches of numEnvs environments
func New(config Config, numEnvs int) (*Controller, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("newController: %v", err)
	}
	if numEnvs <= 0 {
		return nil, fmt.Errorf("newController: numEnvs must be positive, "+
			"got %v", numEnvs)
	}

	bounds := r1.Interval{Min: -config.CommandBound, Max: config.CommandBound}
	return &Controller{config, numEnvs, bounds}, nil
}

// DoForceCtrl returns whether the controller accepts wrench targets
func (c *Controller) DoForceCtrl() bool {
	return c.config.DoForceCtrl
}

// Generate computes the drive signal for the given target and current
// state. It has no side effects and does not advance simulation time.
func (c *Controller) Generate(target *Target,
	state *sim.EnvState) *sim.DriveSignal {
	if r, _ := target.WristPos.Dims(); r != c.numEnvs {
		panic(fmt.Sprintf("generate: target batch %v does not match %v "+
			"environments", r, c.numEnvs))
	}

	posErr, rotErr := posemath.PoseError(state.RootPos[sim.Wrist],
		state.RootQuat[sim.Wrist], target.WristPos, target.WristQuat,
		posemath.AxisAngle)

	if c.config.RotErrorType() == posemath.Quat {
		// Analytic jacobians take the small-angle command 2 * vector
		// part of the difference quaternion
		_, quatDiff := posemath.PoseError(state.RootPos[sim.Wrist],
			state.RootQuat[sim.Wrist], target.WristPos, target.WristQuat,
			posemath.Quat)
		for i := 0; i < c.numEnvs; i++ {
			w := quatDiff.At(i, 3)
			sign := 1.0
			if w < 0 {
				sign = -1.0
			}
			for j := 0; j < 3; j++ {
				rotErr.Set(i, j, 2*sign*quatDiff.At(i, j))
			}
		}
	}

	command := mat.NewDense(c.numEnvs, 6, nil)
	for i := 0; i < c.numEnvs; i++ {
		for j := 0; j < 3; j++ {
			command.Set(i, j, floatutils.ClipInterval(
				c.config.TaskPropGains[j]*posErr.At(i, j), c.bounds))
			command.Set(i, j+3, floatutils.ClipInterval(
				c.config.TaskPropGains[j+3]*rotErr.At(i, j), c.bounds))
		}
	}

	sig := &sim.DriveSignal{
		TargetWristPos:      mat.DenseCopyOf(target.WristPos),
		TargetWristQuat:     mat.DenseCopyOf(target.WristQuat),
		TaskSpaceCommand:    command,
		TargetGripperDofPos: mat.DenseCopyOf(target.GripperDofPos),
	}

	if c.config.DoForceCtrl && target.Wrench != nil {
		sig.TargetWrench = mat.DenseCopyOf(target.Wrench)
	}

	return sig
}
