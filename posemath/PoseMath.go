// Package posemath implements batched rigid-transform math for
// vectorized environments. All batched quantities store one environment
// per row: positions and axis-angle vectors are (N x 3) matrices,
// quaternions are (N x 4) matrices in (x, y, z, w) order. The identity
// rotation is (0, 0, 0, 1).
package posemath

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// RotErrorType selects the representation of the rotational part of a
// pose error
type RotErrorType string

const (
	AxisAngle RotErrorType = "axis_angle"
	Quat      RotErrorType = "quat"
)

// IdentityQuat returns an (n x 4) matrix of identity quaternions
func IdentityQuat(n int) *mat.Dense {
	q := mat.NewDense(n, 4, nil)
	for i := 0; i < n; i++ {
		q.Set(i, 3, 1.0)
	}
	return q
}

// QuatMul computes the Hamilton product a * b row-wise. Both arguments
// must have the same number of rows and 4 columns.
func QuatMul(a, b *mat.Dense) *mat.Dense {
	n := sameShape(a, b, 4)

	out := mat.NewDense(n, 4, nil)
	for i := 0; i < n; i++ {
		ax, ay, az, aw := a.At(i, 0), a.At(i, 1), a.At(i, 2), a.At(i, 3)
		bx, by, bz, bw := b.At(i, 0), b.At(i, 1), b.At(i, 2), b.At(i, 3)

		out.Set(i, 0, aw*bx+ax*bw+ay*bz-az*by)
		out.Set(i, 1, aw*by-ax*bz+ay*bw+az*bx)
		out.Set(i, 2, aw*bz+ax*by-ay*bx+az*bw)
		out.Set(i, 3, aw*bw-ax*bx-ay*by-az*bz)
	}
	normalizeQuat(out)
	return out
}

// QuatConjugate returns the row-wise quaternion conjugate
func QuatConjugate(q *mat.Dense) *mat.Dense {
	n, c := q.Dims()
	if c != 4 {
		panic(fmt.Sprintf("quatConjugate: expected 4 columns, got %v", c))
	}

	out := mat.NewDense(n, 4, nil)
	for i := 0; i < n; i++ {
		out.Set(i, 0, -q.At(i, 0))
		out.Set(i, 1, -q.At(i, 1))
		out.Set(i, 2, -q.At(i, 2))
		out.Set(i, 3, q.At(i, 3))
	}
	return out
}

// QuatRotate rotates each row of v by the corresponding quaternion row
// of q
func QuatRotate(q, v *mat.Dense) *mat.Dense {
	n, c := q.Dims()
	if c != 4 {
		panic(fmt.Sprintf("quatRotate: expected 4 columns, got %v", c))
	}
	vr, vc := v.Dims()
	if vr != n || vc != 3 {
		panic(fmt.Sprintf("quatRotate: expected (%v x 3) vectors, got "+
			"(%v x %v)", n, vr, vc))
	}

	out := mat.NewDense(n, 3, nil)
	for i := 0; i < n; i++ {
		qx, qy, qz, qw := q.At(i, 0), q.At(i, 1), q.At(i, 2), q.At(i, 3)
		vx, vy, vz := v.At(i, 0), v.At(i, 1), v.At(i, 2)

		// t = 2 * (q_vec x v); v' = v + w*t + q_vec x t
		tx := 2 * (qy*vz - qz*vy)
		ty := 2 * (qz*vx - qx*vz)
		tz := 2 * (qx*vy - qy*vx)

		out.Set(i, 0, vx+qw*tx+qy*tz-qz*ty)
		out.Set(i, 1, vy+qw*ty+qz*tx-qx*tz)
		out.Set(i, 2, vz+qw*tz+qx*ty-qy*tx)
	}
	return out
}

// QuatFromAngleAxis converts row-wise rotations of angle radians about
// axis into quaternions. A zero angle or a zero axis resolves to the
// identity quaternion rather than dividing by zero.
func QuatFromAngleAxis(angle *mat.VecDense, axis *mat.Dense) *mat.Dense {
	n, c := axis.Dims()
	if c != 3 {
		panic(fmt.Sprintf("quatFromAngleAxis: expected 3 columns, got %v", c))
	}
	if angle.Len() != n {
		panic(fmt.Sprintf("quatFromAngleAxis: expected %v angles, got %v",
			n, angle.Len()))
	}

	out := IdentityQuat(n)
	for i := 0; i < n; i++ {
		theta := angle.AtVec(i)
		ax, ay, az := axis.At(i, 0), axis.At(i, 1), axis.At(i, 2)
		norm := math.Sqrt(ax*ax + ay*ay + az*az)
		if theta == 0.0 || norm == 0.0 {
			continue
		}

		s := math.Sin(theta/2) / norm
		out.Set(i, 0, ax*s)
		out.Set(i, 1, ay*s)
		out.Set(i, 2, az*s)
		out.Set(i, 3, math.Cos(theta/2))
	}
	return out
}

// QuatFromEuler converts row-wise intrinsic XYZ Euler angles to
// quaternions
func QuatFromEuler(roll, pitch, yaw *mat.VecDense) *mat.Dense {
	n := roll.Len()
	if pitch.Len() != n || yaw.Len() != n {
		panic(fmt.Sprintf("quatFromEuler: angle lengths %v, %v, %v differ",
			n, pitch.Len(), yaw.Len()))
	}

	out := mat.NewDense(n, 4, nil)
	for i := 0; i < n; i++ {
		cr, sr := math.Cos(roll.AtVec(i)/2), math.Sin(roll.AtVec(i)/2)
		cp, sp := math.Cos(pitch.AtVec(i)/2), math.Sin(pitch.AtVec(i)/2)
		cy, sy := math.Cos(yaw.AtVec(i)/2), math.Sin(yaw.AtVec(i)/2)

		out.Set(i, 0, sr*cp*cy-cr*sp*sy)
		out.Set(i, 1, cr*sp*cy+sr*cp*sy)
		out.Set(i, 2, cr*cp*sy-sr*sp*cy)
		out.Set(i, 3, cr*cp*cy+sr*sp*sy)
	}
	return out
}

// TfCombine composes rigid transform B in frame A row-wise, returning
// the combined orientation and position
func TfCombine(qa, pa, qb, pb *mat.Dense) (*mat.Dense, *mat.Dense) {
	q := QuatMul(qa, qb)

	p := QuatRotate(qa, pb)
	p.Add(p, pa)
	return q, p
}

// AxisAngleFromQuat converts row-wise quaternions into rotation
// vectors (axis scaled by angle), selecting the minimal rotation.
// Near-identity quaternions map to the zero vector.
func AxisAngleFromQuat(q *mat.Dense) *mat.Dense {
	n, c := q.Dims()
	if c != 4 {
		panic(fmt.Sprintf("axisAngleFromQuat: expected 4 columns, got %v", c))
	}

	out := mat.NewDense(n, 3, nil)
	for i := 0; i < n; i++ {
		qx, qy, qz, qw := q.At(i, 0), q.At(i, 1), q.At(i, 2), q.At(i, 3)

		// The minimal rotation has non-negative scalar part
		if qw < 0 {
			qx, qy, qz, qw = -qx, -qy, -qz, -qw
		}

		norm := math.Sqrt(qx*qx + qy*qy + qz*qz)
		if norm < 1e-12 {
			continue
		}
		angle := 2 * math.Atan2(norm, qw)

		out.Set(i, 0, qx/norm*angle)
		out.Set(i, 1, qy/norm*angle)
		out.Set(i, 2, qz/norm*angle)
	}
	return out
}

// PoseError computes the row-wise error taking the current pose to the
// target pose. The linear error is target - current. The rotational
// error is either a rotation vector (AxisAngle, N x 3) or the
// difference quaternion (Quat, N x 4), chosen by rotErrType.
func PoseError(pos, quat, targetPos, targetQuat *mat.Dense,
	rotErrType RotErrorType) (*mat.Dense, *mat.Dense) {
	n := sameShape(pos, targetPos, 3)
	sameShape(quat, targetQuat, 4)

	posError := mat.NewDense(n, 3, nil)
	posError.Sub(targetPos, pos)

	quatDiff := QuatMul(targetQuat, QuatConjugate(quat))

	switch rotErrType {
	case AxisAngle:
		return posError, AxisAngleFromQuat(quatDiff)

	case Quat:
		return posError, quatDiff

	default:
		panic(fmt.Sprintf("poseError: no such rotation error type %v",
			rotErrType))
	}
}

// normalizeQuat unit-normalizes each quaternion row in place
func normalizeQuat(q *mat.Dense) {
	n, _ := q.Dims()
	for i := 0; i < n; i++ {
		qx, qy, qz, qw := q.At(i, 0), q.At(i, 1), q.At(i, 2), q.At(i, 3)
		norm := math.Sqrt(qx*qx + qy*qy + qz*qz + qw*qw)
		if norm == 0.0 {
			q.Set(i, 3, 1.0)
			continue
		}
		q.Set(i, 0, qx/norm)
		q.Set(i, 1, qy/norm)
		q.Set(i, 2, qz/norm)
		q.Set(i, 3, qw/norm)
	}
}

// sameShape validates that a and b are both (n x cols) matrices with
// equal n, returning n
func sameShape(a, b *mat.Dense, cols int) int {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ac != cols || bc != cols {
		panic(fmt.Sprintf("expected %v columns, got %v and %v", cols, ac, bc))
	}
	if ar != br {
		panic(fmt.Sprintf("batch sizes %v and %v differ", ar, br))
	}
	return ar
}
