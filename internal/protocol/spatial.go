package protocol

// IdentityQuat is the rotation that leaves vectors unchanged.
var IdentityQuat = Quat{W: 1}

// Mul returns the Hamilton product q*r: rotating by r first, then q.
func (q Quat) Mul(r Quat) Quat {
	return Quat{
		W: q.W*r.W - q.X*r.X - q.Y*r.Y - q.Z*r.Z,
		X: q.W*r.X + q.X*r.W + q.Y*r.Z - q.Z*r.Y,
		Y: q.W*r.Y - q.X*r.Z + q.Y*r.W + q.Z*r.X,
		Z: q.W*r.Z + q.X*r.Y - q.Y*r.X + q.Z*r.W,
	}
}

// Rotate applies the unit quaternion q to v.
func (q Quat) Rotate(v Vec3) Vec3 {
	// t = 2 * (q.xyz × v); v' = v + w*t + q.xyz × t
	tx := 2 * (q.Y*v.Z - q.Z*v.Y)
	ty := 2 * (q.Z*v.X - q.X*v.Z)
	tz := 2 * (q.X*v.Y - q.Y*v.X)
	return Vec3{
		X: v.X + q.W*tx + (q.Y*tz - q.Z*ty),
		Y: v.Y + q.W*ty + (q.Z*tx - q.X*tz),
		Z: v.Z + q.W*tz + (q.X*ty - q.Y*tx),
	}
}

// Add returns v+o.
func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{X: v.X + o.X, Y: v.Y + o.Y, Z: v.Z + o.Z}
}

// Origin is the play-space transform: where the tracking origin sits in
// the world and how it is rotated. Tracker samples are local to it.
type Origin struct {
	Position Vec3
	Rotation Quat
}

// IdentityOrigin leaves tracker samples unchanged.
var IdentityOrigin = Origin{Rotation: IdentityQuat}

// Point maps a tracker-local position into world space.
func (o Origin) Point(local Vec3) Vec3 {
	return o.Rotation.Rotate(local).Add(o.Position)
}

// Orientation maps a tracker-local rotation into world space.
func (o Origin) Orientation(local Quat) Quat {
	return o.Rotation.Mul(local)
}

// World converts a tracker-local pose into world space.
func (o Origin) World(local Pose) Pose {
	return Pose{
		Head:     o.Point(local.Head),
		Left:     o.Point(local.Left),
		Right:    o.Point(local.Right),
		HeadRot:  o.Orientation(local.HeadRot),
		LeftRot:  o.Orientation(local.LeftRot),
		RightRot: o.Orientation(local.RightRot),
	}
}
