package chamfer

import (
	"math"

	"github.com/paulmach/orb"
)

// TransformPoint maps world coordinates to pixel coordinates
// x' = a*x + b*y + tx (column)
// y' = c*x + d*y + ty (row)
func (m AffineMatrix) TransformPoint(x, y float64) (float64, float64) {
	return m.A*x + m.B*y + m.Tx, m.C*x + m.D*y + m.Ty
}

// Apply transforms a single orb point
func (m AffineMatrix) Apply(p orb.Point) orb.Point {
	x, y := m.TransformPoint(p[0], p[1])
	return orb.Point{x, y}
}

// Project transforms every vertex of a multipolygon into a new one
func (m AffineMatrix) Project(mp orb.MultiPolygon) orb.MultiPolygon {
	out := make(orb.MultiPolygon, len(mp))
	for i, poly := range mp {
		out[i] = make(orb.Polygon, len(poly))
		for j, ring := range poly {
			r := make(orb.Ring, len(ring))
			for k, p := range ring {
				r[k] = m.Apply(p)
			}
			out[i][j] = r
		}
	}
	return out
}

// Determinant of the linear part. A view transform with a zero
// determinant collapses the silhouette.
func (m AffineMatrix) Determinant() float64 {
	return m.A*m.D - m.B*m.C
}

// MultiplyMatrices composes two affine transforms: result = m1 * m2
// Applying result is equivalent to applying m2 first, then m1
func MultiplyMatrices(m1, m2 AffineMatrix) AffineMatrix {
	return AffineMatrix{
		A:  m1.A*m2.A + m1.B*m2.C,
		B:  m1.A*m2.B + m1.B*m2.D,
		Tx: m1.A*m2.Tx + m1.B*m2.Ty + m1.Tx,
		C:  m1.C*m2.A + m1.D*m2.C,
		D:  m1.C*m2.B + m1.D*m2.D,
		Ty: m1.C*m2.Tx + m1.D*m2.Ty + m1.Ty,
	}
}

// InvertMatrix computes the inverse of an affine transform
// Returns identity if matrix is singular (determinant ~= 0)
func InvertMatrix(m AffineMatrix) AffineMatrix {
	det := m.Determinant()
	if math.Abs(det) < 1e-10 {
		return Identity()
	}

	invDet := 1.0 / det
	return AffineMatrix{
		A:  m.D * invDet,
		B:  -m.B * invDet,
		Tx: (m.B*m.Ty - m.D*m.Tx) * invDet,
		C:  -m.C * invDet,
		D:  m.A * invDet,
		Ty: (m.C*m.Tx - m.A*m.Ty) * invDet,
	}
}

// Translation creates a translation-only transform
func Translation(tx, ty float64) AffineMatrix {
	return AffineMatrix{A: 1, B: 0, Tx: tx, C: 0, D: 1, Ty: ty}
}

// Rotation creates a rotation transform (angle in radians, around origin)
func Rotation(angle float64) AffineMatrix {
	cos := math.Cos(angle)
	sin := math.Sin(angle)
	return AffineMatrix{A: cos, B: -sin, Tx: 0, C: sin, D: cos, Ty: 0}
}

// RotationDeg creates a rotation transform (angle in degrees, around origin)
func RotationDeg(degrees float64) AffineMatrix {
	return Rotation(degrees * math.Pi / 180.0)
}

// Scale creates a scaling transform
func Scale(sx, sy float64) AffineMatrix {
	return AffineMatrix{A: sx, B: 0, Tx: 0, C: 0, D: sy, Ty: 0}
}

// CameraTransform builds a world to pixel view: scale, then rotate by
// degrees around the origin, then shift by (tx, ty) pixels. A negative
// sy turns a y-up world into y-down image rows.
func CameraTransform(sx, sy, degrees, tx, ty float64) AffineMatrix {
	return MultiplyMatrices(Translation(tx, ty), MultiplyMatrices(RotationDeg(degrees), Scale(sx, sy)))
}
