package task

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/samuelfneumann/gofactory/control"
	"github.com/samuelfneumann/gofactory/posemath"
	"github.com/samuelfneumann/gofactory/sim"
)

// Action is a typed view of a raw policy action batch. The raw
// (N x numActions) matrix is split into named sub-vectors at
// construction so that no downstream code relies on positional
// slicing. Values are nominally in [-1, 1].
type Action struct {
	Pos     *mat.Dense // (N x 3) position delta
	Rot     *mat.Dense // (N x 3) axis-angle rotation delta
	Force   *mat.Dense // (N x 3), nil when force control is off
	Torque  *mat.Dense // (N x 3), nil when force control is off
	Gripper *mat.Dense // (N x gripper dofs) absolute joint targets

	raw *mat.Dense
}

// NewAction validates and splits a raw action batch. The expected
// width depends on whether force control is enabled.
func NewAction(raw *mat.Dense, config TaskConfig) (*Action, error) {
	rows, cols := raw.Dims()
	if rows != config.NumEnvs {
		return nil, fmt.Errorf("newAction: expected %v rows, got %v",
			config.NumEnvs, rows)
	}
	if cols != config.NumActions() {
		return nil, fmt.Errorf("newAction: expected %v action components, "+
			"got %v", config.NumActions(), cols)
	}

	a := &Action{
		Pos: mat.DenseCopyOf(raw.Slice(0, rows, 0, 3)),
		Rot: mat.DenseCopyOf(raw.Slice(0, rows, 3, 6)),
		raw: mat.DenseCopyOf(raw),
	}

	next := 6
	if config.Controller.DoForceCtrl {
		a.Force = mat.DenseCopyOf(raw.Slice(0, rows, 6, 9))
		a.Torque = mat.DenseCopyOf(raw.Slice(0, rows, 9, 12))
		next = 12
	}
	a.Gripper = mat.DenseCopyOf(raw.Slice(0, rows, next, cols))

	return a, nil
}

// Norm returns the row-wise Euclidean norm of the raw action batch
func (a *Action) Norm() *mat.VecDense {
	rows, _ := a.raw.Dims()
	norms := mat.NewVecDense(rows, nil)
	for i := 0; i < rows; i++ {
		norms.SetVec(i, mat.Norm(a.raw.RowView(i), 2))
	}
	return norms
}

// applyActionsAsCtrlTargets interprets an action batch as control
// targets and commits the resulting drive signal. This is the only
// place where control targets enter the backend's per-step drive
// state. When doScale is false the deltas are applied verbatim, which
// the reset servo loop relies on.
func (t *NutBoltPick) applyActionsAsCtrlTargets(action *Action,
	doScale bool) {
	state := t.backend.ReadState()
	n := t.config.NumEnvs

	// Position delta onto the current wrist position
	posActions := mat.DenseCopyOf(action.Pos)
	if doScale {
		scaleColumns(posActions, t.config.PosActionScale)
	}
	targetPos := mat.NewDense(n, 3, nil)
	targetPos.Add(state.RootPos[sim.Wrist], posActions)

	// Axis-angle rotation delta onto the current wrist orientation
	rotActions := mat.DenseCopyOf(action.Rot)
	if doScale {
		scaleColumns(rotActions, t.config.RotActionScale)
	}
	angle := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		angle.SetVec(i, mat.Norm(rotActions.RowView(i), 2))
	}
	rotQuat := posemath.QuatFromAngleAxis(angle, rotActions)
	if t.config.ClampRot {
		// Dead zone: a near-zero rotation delta is treated as no
		// rotation rather than a noisy one
		identity := []float64{0.0, 0.0, 0.0, 1.0}
		for i := 0; i < n; i++ {
			if angle.AtVec(i) <= t.config.ClampRotThresh {
				rotQuat.SetRow(i, identity)
			}
		}
	}
	targetQuat := posemath.QuatMul(rotQuat, state.RootQuat[sim.Wrist])

	target := &control.Target{
		WristPos:      targetPos,
		WristQuat:     targetQuat,
		GripperDofPos: mat.DenseCopyOf(action.Gripper),
	}

	if t.controller.DoForceCtrl() && action.Force != nil {
		forceActions := mat.DenseCopyOf(action.Force)
		torqueActions := mat.DenseCopyOf(action.Torque)
		if doScale {
			scaleColumns(forceActions, t.config.ForceActionScale)
			scaleColumns(torqueActions, t.config.TorqueActionScale)
		}
		wrench := mat.NewDense(n, 6, nil)
		for i := 0; i < n; i++ {
			for j := 0; j < 3; j++ {
				wrench.Set(i, j, forceActions.At(i, j))
				wrench.Set(i, j+3, torqueActions.At(i, j))
			}
		}
		target.Wrench = wrench
	}

	t.drive = t.controller.Generate(target, state)
}

// scaleColumns multiplies each column of m element-wise by the
// corresponding scale
func scaleColumns(m *mat.Dense, scales []float64) {
	rows, cols := m.Dims()
	if cols != len(scales) {
		panic(fmt.Sprintf("scaleColumns: %v scales for %v columns",
			len(scales), cols))
	}
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			m.Set(i, j, m.At(i, j)*scales[j])
		}
	}
}
