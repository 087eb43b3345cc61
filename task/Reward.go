package task

import (
	"gonum.org/v1/gonum/mat"

	"github.com/samuelfneumann/gofactory/sim"
)

// updateResetBuf flags environments whose episode has reached the
// maximum length. Flags are never cleared here; clearing belongs to
// the reset protocol.
func (t *NutBoltPick) updateResetBuf() {
	for i := 0; i < t.config.NumEnvs; i++ {
		if t.progress[i] >= t.config.MaxEpisodeLength-1 {
			t.resetBuf[i] = true
		}
	}
}

// updateRewBuf computes the per-environment reward for the current
// timestep: a keypoint-distance shaping term and an action penalty,
// plus a success bonus on the terminal step. The action penalty scale
// is applied twice, once into the penalty and again when combining it
// into the reward; this mirrors the reference reward exactly and is
// deliberate. Identical state and action always produce bit-identical
// rewards.
//
// On the terminal step the mean lift success over the batch is
// returned; otherwise the returned rate is 0.
func (t *NutBoltPick) updateRewBuf(action *Action) float64 {
	n := t.config.NumEnvs

	keypointDist := t.keypointDist()
	actionNorm := action.Norm()

	for i := 0; i < n; i++ {
		keypointReward := -keypointDist.AtVec(i)
		actionPenalty := actionNorm.AtVec(i) * t.config.ActionPenaltyScale

		t.rewBuf.SetVec(i, keypointReward*t.config.KeypointRewardScale-
			actionPenalty*t.config.ActionPenaltyScale)
	}

	// Episode length is constant across the batch, so env 0's
	// progress decides the terminal step for everyone
	if t.progress[0] != t.config.MaxEpisodeLength-1 {
		return 0.0
	}

	liftSuccess := t.checkLiftSuccess()
	successes := 0.0
	for i := 0; i < n; i++ {
		t.rewBuf.SetVec(i, t.rewBuf.AtVec(i)+
			liftSuccess.AtVec(i)*t.config.SuccessBonus)
		successes += liftSuccess.AtVec(i)
	}
	return successes / float64(n)
}

// checkLiftSuccess returns 1 for each environment whose nut is above
// the table by strictly more than HeightMultiple times the nut height
func (t *NutBoltPick) checkLiftSuccess() *mat.VecDense {
	state := t.backend.ReadState()
	threshold := t.config.TableHeight +
		t.config.NutHeight*t.config.HeightMultiple

	success := mat.NewVecDense(t.config.NumEnvs, nil)
	for i := 0; i < t.config.NumEnvs; i++ {
		if state.RootPos[sim.Nut].At(i, 2) > threshold {
			success.SetVec(i, 1.0)
		}
	}
	return success
}
