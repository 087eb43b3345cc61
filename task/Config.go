// Package task implements the vectorized nut-bolt pick task. A batch
// of N independent environments, each holding a robot arm with a
// gripper, a nut, and a bolt, is stepped in lockstep: policy actions
// become control targets, keypoint alignment between the gripper and
// the nut's grasp frame shapes the reward, and flagged environments
// are re-randomized through a closed-loop reset protocol.
package task

import (
	"fmt"

	"github.com/samuelfneumann/gofactory/control"
)

// Observation layout: wrist position, wrist orientation, wrist linear
// velocity, wrist angular velocity, nut grasp position, nut grasp
// orientation
const ObsDim int = 3 + 4 + 3 + 3 + 3 + 4

// RandomizeConfig holds the initial poses and noise magnitudes used by
// episodic resets. Noise scales multiply independent uniform samples
// in [-1, 1] per axis.
type RandomizeConfig struct {
	ArmInitialDofPos  []float64 `json:"arm_initial_dof_pos"`
	HandInitialDofPos []float64 `json:"hand_initial_dof_pos"`

	NutPosXYInitial      []float64 `json:"nut_pos_xy_initial"`
	NutPosXYInitialNoise []float64 `json:"nut_pos_xy_initial_noise"`

	BoltPosXYInitial []float64 `json:"bolt_pos_xy_initial"`
	BoltPosXYNoise   []float64 `json:"bolt_pos_xy_noise"`

	// Wrist pose targets for the post-reset servo phase. The position
	// is relative to the table surface.
	FingertipMidpointPosInitial []float64 `json:"fingertip_midpoint_pos_initial"`
	FingertipMidpointPosNoise   []float64 `json:"fingertip_midpoint_pos_noise"`
	FingertipMidpointRotInitial []float64 `json:"fingertip_midpoint_rot_initial"`
	FingertipMidpointRotNoise   []float64 `json:"fingertip_midpoint_rot_noise"`
}

// TaskConfig configures the nut-bolt pick task. It is constructed
// once, validated, and passed by value; components never consult any
// global configuration.
//
// Episode length is uniform across the batch: every environment
// terminates at the same step count. Terminal-step logic relies on
// this synchronization.
type TaskConfig struct {
	NumEnvs          int `json:"num_envs"`
	MaxEpisodeLength int `json:"max_episode_length"`

	NumKeypoints        int     `json:"num_keypoints"`
	KeypointScale       float64 `json:"keypoint_scale"`
	KeypointRewardScale float64 `json:"keypoint_reward_scale"`
	ActionPenaltyScale  float64 `json:"action_penalty_scale"`
	SuccessBonus        float64 `json:"success_bonus"`
	HeightMultiple      float64 `json:"height_multiple"`

	PosActionScale    []float64 `json:"pos_action_scale"`
	RotActionScale    []float64 `json:"rot_action_scale"`
	ClampRot          bool      `json:"clamp_rot"`
	ClampRotThresh    float64   `json:"clamp_rot_thresh"`
	ForceActionScale  []float64 `json:"force_action_scale"`
	TorqueActionScale []float64 `json:"torque_action_scale"`

	NumArmDofs     int `json:"num_arm_dofs"`
	NumGripperDofs int `json:"num_gripper_dofs"`

	TableHeight    float64 `json:"table_height"`
	NutHeight      float64 `json:"nut_height"`
	BoltHeadHeight float64 `json:"bolt_head_height"`

	// CloseAndLift enables the post-episode gripper phase. The close
	// half runs only when NumGripperCloseSimSteps is positive; it is
	// off by default.
	CloseAndLift            bool    `json:"close_and_lift"`
	LiftDistance            float64 `json:"lift_distance"`
	NumGripperCloseSimSteps int     `json:"num_gripper_close_sim_steps"`
	NumGripperLiftSimSteps  int     `json:"num_gripper_lift_sim_steps"`
	NumGripperMoveSimSteps  int     `json:"num_gripper_move_sim_steps"`

	Controller control.Config  `json:"ctrl"`
	Randomize  RandomizeConfig `json:"randomize"`

	Seed uint64 `json:"seed"`
}

// Validate fills defaults and reports missing or malformed required
// options. Configuration errors are fatal at startup.
func (c *TaskConfig) Validate() error {
	if c.NumEnvs <= 0 {
		return fmt.Errorf("validate: numEnvs must be positive, got %v",
			c.NumEnvs)
	}
	if c.MaxEpisodeLength <= 0 {
		return fmt.Errorf("validate: maxEpisodeLength must be positive, "+
			"got %v", c.MaxEpisodeLength)
	}

	if c.NumKeypoints == 0 {
		c.NumKeypoints = 4
	}
	if c.NumKeypoints < 2 {
		return fmt.Errorf("validate: need at least 2 keypoints, got %v",
			c.NumKeypoints)
	}
	if c.KeypointScale == 0 {
		c.KeypointScale = 0.5
	}
	if c.KeypointRewardScale == 0 {
		c.KeypointRewardScale = 1.0
	}
	if c.HeightMultiple == 0 {
		c.HeightMultiple = 3.0
	}

	var err error
	if c.PosActionScale, err = scale3(c.PosActionScale, 0.1,
		"posActionScale"); err != nil {
		return fmt.Errorf("validate: %v", err)
	}
	if c.RotActionScale, err = scale3(c.RotActionScale, 0.1,
		"rotActionScale"); err != nil {
		return fmt.Errorf("validate: %v", err)
	}
	if c.ForceActionScale, err = scale3(c.ForceActionScale, 1.0,
		"forceActionScale"); err != nil {
		return fmt.Errorf("validate: %v", err)
	}
	if c.TorqueActionScale, err = scale3(c.TorqueActionScale, 1.0,
		"torqueActionScale"); err != nil {
		return fmt.Errorf("validate: %v", err)
	}
	if c.ClampRotThresh == 0 {
		c.ClampRotThresh = 1e-6
	}

	if c.NumArmDofs == 0 {
		c.NumArmDofs = 7
	}
	if c.NumGripperDofs == 0 {
		c.NumGripperDofs = 2
	}

	if c.TableHeight == 0 {
		c.TableHeight = 0.4
	}
	if c.NutHeight == 0 {
		c.NutHeight = 0.016
	}
	if c.BoltHeadHeight == 0 {
		c.BoltHeadHeight = 0.01
	}

	if c.LiftDistance == 0 {
		c.LiftDistance = 0.3
	}
	if c.NumGripperLiftSimSteps == 0 {
		c.NumGripperLiftSimSteps = 20
	}
	if c.NumGripperMoveSimSteps == 0 {
		c.NumGripperMoveSimSteps = 40
	}

	if err := c.validateRandomize(); err != nil {
		return err
	}

	if err := c.Controller.Validate(); err != nil {
		return fmt.Errorf("validate: controller: %v", err)
	}
	return nil
}

func (c *TaskConfig) validateRandomize() error {
	r := &c.Randomize

	if r.ArmInitialDofPos == nil {
		r.ArmInitialDofPos = make([]float64, c.NumArmDofs)
	}
	if len(r.ArmInitialDofPos) != c.NumArmDofs {
		return fmt.Errorf("validate: expected %v arm initial dof "+
			"positions, got %v", c.NumArmDofs, len(r.ArmInitialDofPos))
	}

	if r.HandInitialDofPos == nil {
		r.HandInitialDofPos = make([]float64, c.NumGripperDofs)
		for i := range r.HandInitialDofPos {
			r.HandInitialDofPos[i] = 0.035
		}
	}
	if len(r.HandInitialDofPos) != c.NumGripperDofs {
		return fmt.Errorf("validate: expected %v hand initial dof "+
			"positions, got %v", c.NumGripperDofs, len(r.HandInitialDofPos))
	}

	pairs := []struct {
		name string
		vals *[]float64
		dim  int
		def  []float64
	}{
		{"nutPosXYInitial", &r.NutPosXYInitial, 2, []float64{0.0, -0.3}},
		{"nutPosXYInitialNoise", &r.NutPosXYInitialNoise, 2,
			[]float64{0.1, 0.1}},
		{"boltPosXYInitial", &r.BoltPosXYInitial, 2, []float64{0.0, 0.0}},
		{"boltPosXYNoise", &r.BoltPosXYNoise, 2, []float64{0.1, 0.1}},
		{"fingertipMidpointPosInitial", &r.FingertipMidpointPosInitial, 3,
			[]float64{0.0, -0.2, 0.2}},
		{"fingertipMidpointPosNoise", &r.FingertipMidpointPosNoise, 3,
			[]float64{0.2, 0.2, 0.1}},
		{"fingertipMidpointRotInitial", &r.FingertipMidpointRotInitial, 3,
			[]float64{3.141593, 0.0, 3.141593}},
		{"fingertipMidpointRotNoise", &r.FingertipMidpointRotNoise, 3,
			[]float64{0.3, 0.3, 1.0}},
	}
	for _, p := range pairs {
		if *p.vals == nil {
			*p.vals = append([]float64(nil), p.def...)
		}
		if len(*p.vals) != p.dim {
			return fmt.Errorf("validate: expected %v values for %v, got %v",
				p.dim, p.name, len(*p.vals))
		}
	}
	return nil
}

// NumDofs returns the total robot joint count
func (c TaskConfig) NumDofs() int {
	return c.NumArmDofs + c.NumGripperDofs
}

// NumActions returns the action vector width: position and rotation
// deltas, an optional wrench, and one entry per gripper joint
func (c TaskConfig) NumActions() int {
	n := 6 + c.NumGripperDofs
	if c.Controller.DoForceCtrl {
		n += 6
	}
	return n
}

// scale3 fills a nil per-axis scale with a default and validates its
// length
func scale3(vals []float64, def float64, name string) ([]float64, error) {
	if vals == nil {
		return []float64{def, def, def}, nil
	}
	if len(vals) != 3 {
		return nil, fmt.Errorf("expected 3 values for %v, got %v", name,
			len(vals))
	}
	return vals, nil
}
